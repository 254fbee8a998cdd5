package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts executed opcodes and invocations of call targets. Call
// targets (CALL and TCALL addresses) become hot once their invocation count
// reaches HotThreshold.
//
// Counters are atomic so a profile can be read while a run is in progress.
type Profiler struct {
	opcodes [int(OpNoop) + 1]uint64

	targets sync.Map // uint16 -> *TargetProfile

	// Configuration threshold
	HotThreshold uint64 // Default: 1000

	// Called once per target when it becomes hot.
	OnHot func(target uint16, profile *TargetProfile)

	hotCount atomic.Int64
}

// TargetProfile holds profiling data for a single call target.
type TargetProfile struct {
	InvocationCount uint64 // Atomic counter for invocations
	hot             atomic.Bool
}

// IsHot reports whether the target has reached the hot threshold. Safe to
// call while a run is in progress.
func (t *TargetProfile) IsHot() bool {
	return t.hot.Load()
}

// NewProfiler creates a new profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{
		HotThreshold: 1000,
	}
}

// RecordOpcode counts one execution of op.
func (p *Profiler) RecordOpcode(op Opcode) {
	if int(op) < len(p.opcodes) {
		atomic.AddUint64(&p.opcodes[op], 1)
	}
}

// RecordCall counts one invocation of target. Returns true if this
// invocation made the target hot.
func (p *Profiler) RecordCall(target uint16) bool {
	val, _ := p.targets.LoadOrStore(target, &TargetProfile{})
	profile := val.(*TargetProfile)

	count := atomic.AddUint64(&profile.InvocationCount, 1)

	if p.HotThreshold > 0 && count >= p.HotThreshold && profile.hot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)

		if p.OnHot != nil {
			p.OnHot(target, profile)
		}
		return true
	}

	return false
}

// OpcodeCount returns how often op has been executed.
func (p *Profiler) OpcodeCount(op Opcode) uint64 {
	if int(op) >= len(p.opcodes) {
		return 0
	}
	return atomic.LoadUint64(&p.opcodes[op])
}

// GetTargetProfile returns the profile for a call target, or nil if it was
// never called.
func (p *Profiler) GetTargetProfile(target uint16) *TargetProfile {
	if val, ok := p.targets.Load(target); ok {
		return val.(*TargetProfile)
	}
	return nil
}

// IsTargetHot returns true if the target has exceeded the hot threshold.
func (p *Profiler) IsTargetHot(target uint16) bool {
	profile := p.GetTargetProfile(target)
	return profile != nil && profile.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Instructions uint64 // Total executed instructions
	Targets      int    // Number of distinct call targets
	HotTargets   int    // Number of hot call targets
	Calls        uint64 // Total CALL + TCALL invocations
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	stats := ProfilerStats{HotTargets: int(p.hotCount.Load())}
	for i := range p.opcodes {
		stats.Instructions += atomic.LoadUint64(&p.opcodes[i])
	}
	p.targets.Range(func(key, value any) bool {
		profile := value.(*TargetProfile)
		stats.Targets++
		stats.Calls += atomic.LoadUint64(&profile.InvocationCount)
		return true
	})
	return stats
}

// TargetCount pairs a call target with its invocation count.
type TargetCount struct {
	Target uint16
	Count  uint64
}

// TopTargets returns the n most frequently called targets, most frequent
// first. Ties are ordered by address.
func (p *Profiler) TopTargets(n int) []TargetCount {
	var all []TargetCount
	p.targets.Range(func(key, value any) bool {
		profile := value.(*TargetProfile)
		all = append(all, TargetCount{key.(uint16), atomic.LoadUint64(&profile.InvocationCount)})
		return true
	})
	sort.Slice(all, func(a, b int) bool {
		if all[a].Count != all[b].Count {
			return all[a].Count > all[b].Count
		}
		return all[a].Target < all[b].Target
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// WriteReport writes a per-opcode table followed by the top call targets.
func (p *Profiler) WriteReport(w io.Writer, topN int) error {
	stats := p.Stats()
	if _, err := fmt.Fprintf(w, "%d instructions, %d calls to %d targets (%d hot)\n",
		stats.Instructions, stats.Calls, stats.Targets, stats.HotTargets); err != nil {
		return err
	}
	for _, op := range Opcodes() {
		n := p.OpcodeCount(op)
		if n == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %-8s %12d\n", op.Name(), n); err != nil {
			return err
		}
	}
	for _, tc := range p.TopTargets(topN) {
		if _, err := fmt.Fprintf(w, "  @%04d    %12d\n", tc.Target, tc.Count); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	for i := range p.opcodes {
		atomic.StoreUint64(&p.opcodes[i], 0)
	}
	p.targets.Clear()
	p.hotCount.Store(0)
}
