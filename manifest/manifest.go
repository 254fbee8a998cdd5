// Package manifest handles stackvm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the manifest file.
const FileName = "stackvm.toml"

// Manifest represents a stackvm.toml project configuration.
type Manifest struct {
	Program Program `toml:"program"`
	Run     Run     `toml:"run"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the stackvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Program names the program to run and its host arguments.
type Program struct {
	Name   string  `toml:"name"`
	Source string  `toml:"source"` // .asm, .s, .svmi or .bin, relative to Dir
	Args   []int64 `toml:"args"`
}

// Run configures execution.
type Run struct {
	Trace    bool     `toml:"trace"`
	TraceDB  string   `toml:"trace-db"`
	MaxSteps uint64   `toml:"max-steps"` // 0 = unlimited
	Timeout  Duration `toml:"timeout"`   // 0 = unlimited
	Profile  bool     `toml:"profile"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string such as "1.5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load parses a stackvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Defaults
	if m.Program.Name == "" {
		m.Program.Name = filepath.Base(m.Dir)
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Program.Source == "" {
		return fmt.Errorf("program.source is required")
	}
	for k, a := range m.Program.Args {
		if a < 0 || a > 0xFFFF {
			return fmt.Errorf("program.args[%d] = %d is out of range 0..65535", k, a)
		}
	}
	if m.Run.Timeout.Duration < 0 {
		return fmt.Errorf("run.timeout must not be negative")
	}
	if m.Log.Verbosity < 0 {
		return fmt.Errorf("log.verbosity must not be negative")
	}
	return nil
}

// FindAndLoad walks up from startDir to find a stackvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Args returns the host argument words.
func (m *Manifest) Args() []uint16 {
	args := make([]uint16, len(m.Program.Args))
	for k, a := range m.Program.Args {
		args[k] = uint16(a)
	}
	return args
}

// SourcePath returns the absolute path of the program source.
func (m *Manifest) SourcePath() string {
	return m.resolve(m.Program.Source)
}

// TraceDBPath returns the absolute path of the trace database, or "".
func (m *Manifest) TraceDBPath() string {
	return m.resolve(m.Run.TraceDB)
}

// LogFilePath returns the absolute path of the log file, or "".
func (m *Manifest) LogFilePath() string {
	return m.resolve(m.Log.File)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
