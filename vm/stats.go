package vm

// SpecializationStats aggregates the engine-wide outcome counters for the
// adaptive protocol. Counters are plain integers: they are only touched
// under the single-active-executor precondition.
type SpecializationStats struct {
	Success  uint64 // specialization attempts that installed a fast path
	Failure  uint64 // attempts rejected by the owner's shape
	Deferred uint64 // attempts skipped because adaptive mode is off
	Hits     uint64 // guard checks that matched
	Misses   uint64 // guard checks that mismatched
	Deopts   uint64 // call sites permanently reverted to the generic path
}

// HitRate returns the guard hit rate as a percentage (0-100).
func (s SpecializationStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// LogStats emits the engine's counters at info level.
func (e *Engine) LogStats() {
	s := e.stats
	e.log.Infof("specialization: %d quickened, %d/%d attempts ok, %d deferred, hit rate %.1f%%, %d deopts",
		e.quickenedCount, s.Success, s.Success+s.Failure, s.Deferred, s.HitRate(), s.Deopts)
}
