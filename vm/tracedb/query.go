package tracedb

import (
	"database/sql"
	"errors"
	"fmt"
)

// RunInfo describes one recorded run.
type RunInfo struct {
	ID         string
	Program    string
	StartedAt  string
	FinishedAt string // empty while running
	Status     string
	Steps      uint64
}

// StepRecord is one persisted trace event.
type StepRecord struct {
	Step   uint64
	PC     uint16
	SP     uint16
	BP     uint16
	Top0   uint16
	Top1   *uint16 // nil when sp was 0
	Op     string
	Inst   string
	Output string
}

// OpcodeCount pairs a mnemonic with the number of steps that executed it.
type OpcodeCount struct {
	Op    string
	Count uint64
}

// Runs lists all runs, oldest first.
func (s *Store) Runs() ([]RunInfo, error) {
	rows, err := s.db.Query(`SELECT id, program, started_at, finished_at, status, steps
		FROM runs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(id string) (RunInfo, error) {
	row := s.db.QueryRow(`SELECT id, program, started_at, finished_at, status, steps
		FROM runs WHERE id = ?`, id)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, ErrRunNotFound
	}
	return info, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunInfo, error) {
	var info RunInfo
	var finished sql.NullString
	var steps int64
	if err := sc.Scan(&info.ID, &info.Program, &info.StartedAt, &finished, &info.Status, &steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, err
		}
		return info, fmt.Errorf("scanning run: %w", err)
	}
	info.FinishedAt = finished.String
	info.Steps = uint64(steps)
	return info, nil
}

// Steps returns the recorded steps of a run in execution order.
func (s *Store) Steps(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`SELECT step, pc, sp, bp, top0, top1, op, inst, output
		FROM steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var (
			rec            StepRecord
			step           int64
			pc, sp, bp, t0 int64
			t1             sql.NullInt64
			output         []byte
		)
		if err := rows.Scan(&step, &pc, &sp, &bp, &t0, &t1, &rec.Op, &rec.Inst, &output); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		rec.Step = uint64(step)
		rec.PC, rec.SP, rec.BP, rec.Top0 = uint16(pc), uint16(sp), uint16(bp), uint16(t0)
		if t1.Valid {
			v := uint16(t1.Int64)
			rec.Top1 = &v
		}
		rec.Output = string(output)
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// Output concatenates everything the run printed.
func (s *Store) Output(runID string) (string, error) {
	var out sql.NullString
	err := s.db.QueryRow(`SELECT group_concat(CAST(output AS TEXT), '')
		FROM (SELECT output FROM steps WHERE run_id = ? AND output IS NOT NULL ORDER BY step)`,
		runID).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("querying output: %w", err)
	}
	return out.String, nil
}

// OpcodeHistogram counts executed steps per mnemonic, most frequent first.
func (s *Store) OpcodeHistogram(runID string) ([]OpcodeCount, error) {
	rows, err := s.db.Query(`SELECT op, COUNT(*) AS n FROM steps
		WHERE run_id = ? GROUP BY op ORDER BY n DESC, op`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying histogram: %w", err)
	}
	defer rows.Close()

	var hist []OpcodeCount
	for rows.Next() {
		var oc OpcodeCount
		var n int64
		if err := rows.Scan(&oc.Op, &n); err != nil {
			return nil, fmt.Errorf("scanning histogram: %w", err)
		}
		oc.Count = uint64(n)
		hist = append(hist, oc)
	}
	return hist, rows.Err()
}

// MaxStackHeight returns the largest sp observed at the start of any step,
// compared as an unsigned value.
func (s *Store) MaxStackHeight(runID string) (uint16, error) {
	var sp sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(sp) FROM steps WHERE run_id = ?", runID).Scan(&sp); err != nil {
		return 0, fmt.Errorf("querying stack height: %w", err)
	}
	return uint16(sp.Int64), nil
}
