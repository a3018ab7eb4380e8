package buildcache

// Hooks lightweight callbacks for diagnostic events.
// Events fire on the calling goroutine after structural locks are released, so
// an implementation may call back into the Cache. A slow one still slows its
// caller; put it behind hooks/async.
type Hooks interface {
	// A program entry was created or found.
	ProgramInserted(key ProgramKey)
	ProgramFetched(key ProgramKey)

	// A kernel entry was created or found. fast reports the flat fast-path cache.
	KernelInserted(name string, fast bool)
	KernelFetched(name string, fast bool)

	// A build hit resource exhaustion; the whole cache was reset.
	// attempt is 1-based.
	BuildRetry(attempt int, err error)

	// The cache was cleared. Counts are entries dropped from the maps.
	CacheReset(programs, kernels int)

	// Releasing a native handle failed. Never escalated.
	ReleaseFailed(what string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ProgramInserted(ProgramKey)  {}
func (NopHooks) ProgramFetched(ProgramKey)   {}
func (NopHooks) KernelInserted(string, bool) {}
func (NopHooks) KernelFetched(string, bool)  {}
func (NopHooks) BuildRetry(int, error)       {}
func (NopHooks) CacheReset(int, int)         {}
func (NopHooks) ReleaseFailed(string, error) {}
