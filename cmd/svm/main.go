// svm - the command-line host for running stackvm programs
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"gopkg.in/yaml.v3"

	"github.com/chazu/stackvm/manifest"
	"github.com/chazu/stackvm/vm"
	"github.com/chazu/stackvm/vm/tracedb"
)

var log = commonlog.GetLogger("stackvm.cmd")

// Exit codes
const (
	exitHalted = 0
	exitError  = 1
	exitFault  = 2
	exitBudget = 3
)

var errBudget = errors.New("step budget exhausted")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("svm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	argsFlag := fs.String("args", "", "Host argument words, e.g. \"5,4,3,2,1\"")
	trace := fs.Bool("trace", false, "Print a trace line per step to stderr")
	traceDB := fs.String("trace-db", "", "Record the trace into a SQLite database")
	maxSteps := fs.Uint64("max-steps", 0, "Step budget (0 = unlimited)")
	timeout := fs.Duration("timeout", 0, "Wall-clock budget (0 = unlimited)")
	profile := fs.Bool("profile", false, "Print an opcode profile on exit")
	dump := fs.Bool("dump", false, "Print the final machine state as YAML to stderr")
	disasm := fs.Bool("disasm", false, "Print a listing and exit")
	output := fs.String("o", "", "Write the program as .svmi image or .bin words and exit")
	verbose := fs.Bool("v", false, "Verbose logging")
	veryVerbose := fs.Bool("vv", false, "Debug logging")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: svm [options] [program]\n\n")
		fmt.Fprintf(stderr, "Runs a stackvm program (.asm, .s, .svmi or .bin). Without a program,\n")
		fmt.Fprintf(stderr, "assembly is read from piped stdin, else %s is searched upward.\n\n", manifest.FileName)
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExit status: 0 halted, 1 error, 2 engine fault, 3 budget exhausted.\n")
	}

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitHalted
		}
		return exitError
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitError
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var cfg *manifest.Manifest
	if fs.NArg() == 0 && !stdinPiped(stdin) {
		var err error
		cfg, err = manifest.FindAndLoad(".")
		if err != nil {
			fmt.Fprintf(stderr, "svm: %v\n", err)
			return exitError
		}
		if cfg == nil {
			fmt.Fprintf(stderr, "svm: no program given and no %s found\n", manifest.FileName)
			fs.Usage()
			return exitError
		}
	}

	configureLogging(cfg, *verbose, *veryVerbose)

	// Load
	var p *program
	var err error
	switch {
	case fs.NArg() == 1:
		p, err = loadProgram(fs.Arg(0))
	case cfg != nil:
		p, err = loadProgram(cfg.SourcePath())
		if err == nil {
			p.name = cfg.Program.Name
		}
	default:
		p, err = readProgram("stdin", stdin)
	}
	if err != nil {
		fmt.Fprintf(stderr, "svm: %v\n", err)
		return exitError
	}
	log.Infof("loaded %s: %d words", p.name, len(p.code))

	// Settings: flags override the manifest, which overrides the image.
	args := p.args
	if cfg != nil {
		if len(cfg.Program.Args) > 0 {
			args = cfg.Args()
		}
		if !set["trace"] {
			*trace = cfg.Run.Trace
		}
		if !set["trace-db"] {
			*traceDB = cfg.TraceDBPath()
		}
		if !set["max-steps"] {
			*maxSteps = cfg.Run.MaxSteps
		}
		if !set["timeout"] {
			*timeout = cfg.Run.Timeout.Duration
		}
		if !set["profile"] {
			*profile = cfg.Run.Profile
		}
	}
	if set["args"] {
		if args, err = parseArgs(*argsFlag); err != nil {
			fmt.Fprintf(stderr, "svm: %v\n", err)
			return exitError
		}
	}

	if *disasm {
		writeListing(stdout, p)
		return exitHalted
	}
	if *output != "" {
		if err := writeProgram(*output, p, args); err != nil {
			fmt.Fprintf(stderr, "svm: %v\n", err)
			return exitError
		}
		log.Infof("wrote %s", *output)
		return exitHalted
	}

	// Run
	out := bufio.NewWriter(stdout)
	opts := []vm.Option{vm.WithArgs(args), vm.WithOutput(out)}

	var sinks multiSink
	if *trace {
		sinks = append(sinks, vm.NewTextTraceSink(stderr))
	}
	var rec *tracedb.Run
	if *traceDB != "" {
		store, err := tracedb.Open(*traceDB)
		if err != nil {
			fmt.Fprintf(stderr, "svm: %v\n", err)
			return exitError
		}
		defer store.Close()
		rec, err = store.StartRun(p.name)
		if err != nil {
			fmt.Fprintf(stderr, "svm: %v\n", err)
			return exitError
		}
		log.Infof("recording trace as run %s in %s", rec.ID, store.Path())
		sinks = append(sinks, rec)
	}
	if len(sinks) == 1 {
		opts = append(opts, vm.WithTraceSink(sinks[0]))
	} else if len(sinks) > 1 {
		opts = append(opts, vm.WithTraceSink(sinks))
	}

	var prof *vm.Profiler
	if *profile {
		prof = vm.NewProfiler()
		prof.OnHot = func(target uint16, _ *vm.TargetProfile) {
			log.Infof("call target %04d is hot", target)
		}
		opts = append(opts, vm.WithProfiler(prof))
	}

	interp := vm.NewInterpreter(p.code, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	runErr := execute(ctx, interp, *maxSteps)
	if err := out.Flush(); err != nil && runErr == nil {
		runErr = err
	}
	log.Infof("%s: %d steps in %s", p.name, interp.Steps(), time.Since(start))

	code, status := outcome(runErr)
	if rec != nil {
		if err := rec.Finish(status, interp.Steps()); err != nil {
			log.Errorf("trace database: %v", err)
		}
	}
	if prof != nil {
		if err := prof.WriteReport(stderr, 10); err != nil {
			log.Errorf("profile: %v", err)
		}
	}
	if *dump {
		enc := yaml.NewEncoder(stderr)
		enc.SetIndent(2)
		if err := enc.Encode(interp.Snapshot()); err != nil {
			log.Errorf("dump: %v", err)
		}
		enc.Close()
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "svm: %v\n", runErr)
	}
	return code
}

// execute runs interp until it halts, faults, exhausts maxSteps or ctx is
// done.
func execute(ctx context.Context, interp *vm.Interpreter, maxSteps uint64) error {
	if maxSteps == 0 {
		return interp.RunContext(ctx)
	}

	stop := context.AfterFunc(ctx, interp.RequestStop)
	defer stop()

	for !interp.Halted() {
		if interp.Steps() >= maxSteps {
			return fmt.Errorf("%w after %d steps", errBudget, maxSteps)
		}
		if err := interp.Step(); err != nil {
			return err
		}
	}
	if interp.Interrupted() && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// outcome maps a run result to an exit code and a trace database status.
func outcome(err error) (int, string) {
	switch {
	case err == nil:
		return exitHalted, "halted"
	case vm.IsFault(err):
		return exitFault, "fault"
	case errors.Is(err, errBudget):
		return exitBudget, "budget"
	case errors.Is(err, context.DeadlineExceeded):
		return exitBudget, "timeout"
	case errors.Is(err, context.Canceled):
		return exitBudget, "interrupted"
	default:
		return exitError, "error"
	}
}

func configureLogging(cfg *manifest.Manifest, verbose, veryVerbose bool) {
	verbosity := 0
	var path *string
	if cfg != nil {
		verbosity = cfg.Log.Verbosity
		if p := cfg.LogFilePath(); p != "" {
			path = &p
		}
	}
	if verbose {
		verbosity = 1
	}
	if veryVerbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, path)
}

// stdinPiped reports whether r is a non-terminal stdin worth reading.
func stdinPiped(r io.Reader) bool {
	if r == nil {
		return false
	}
	f, ok := r.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// writeListing prints a disassembly with label lines before the addresses
// they name and label operands on branches. The result is valid assembler
// input: an instruction with a label inside its operand words is printed as
// .word lines so that the label keeps its address.
func writeListing(w io.Writer, p *program) {
	byAddr := make(map[int][]string)
	for name, addr := range p.symbols {
		byAddr[int(addr)] = append(byAddr[int(addr)], name)
	}
	for _, names := range byAddr {
		sort.Strings(names)
	}
	labels := func(addr int) {
		for _, name := range byAddr[addr] {
			fmt.Fprintf(w, "%s:\n", name)
		}
	}

	r := vm.NewBytecodeReader(p.code)
	for r.HasMore() {
		pos := r.Position()
		labels(pos)

		end := min(pos+1+vm.Opcode(p.code[pos]).Arity(), len(p.code))
		split := false
		for a := pos + 1; a < end; a++ {
			if len(byAddr[a]) > 0 {
				split = true
			}
		}
		if split {
			for a := pos; a < end; a++ {
				if a > pos {
					labels(a)
				}
				fmt.Fprintf(w, "%04d  .word %d\n", a, p.code[a])
			}
			r.Seek(end)
			continue
		}

		in, err := r.ReadInstruction()
		if err != nil {
			r.Seek(pos + 1)
			fmt.Fprintf(w, "%04d  .word %d\n", pos, p.code[pos])
			continue
		}
		if in.Op.IsBranch() {
			target := in.Args[len(in.Args)-1]
			if names := byAddr[int(target)]; len(names) > 0 {
				args := make([]string, 0, len(in.Args))
				for _, a := range in.Args[:len(in.Args)-1] {
					args = append(args, strconv.Itoa(int(a)))
				}
				args = append(args, names[0])
				fmt.Fprintf(w, "%04d  %s %s\n", pos, in.Op.Name(), strings.Join(args, " "))
				continue
			}
		}
		fmt.Fprintf(w, "%04d  %s\n", pos, in)
	}
	labels(len(p.code))
}

// multiSink fans trace events out to several sinks.
type multiSink []vm.TraceSink

func (m multiSink) Trace(ev *vm.TraceEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Trace(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
