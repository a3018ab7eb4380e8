package buildcache

// GetOrBuild fetches an entry through getCached and, if nobody has built it
// yet, builds it with build. At most one caller runs build for a given entry;
// everyone else waits on that entry and observes the builder's outcome.
//
// getCached must return the entry with a reference held for the caller
// (GetOrInsertProgram and GetOrInsertKernel do). On success the returned
// entry is Done and carries that reference; the caller must Release it.
//
// Failures:
//   - resource exhaustion (see IsResourceExhaustion) resets the whole cache
//     and retries, up to 2 attempts in total;
//   - any other error is recorded and returned as a *BuildError of the given
//     kind to the builder and every waiter;
//   - a panic in build puts the entry back to Initial and re-panics.
func GetOrBuild[T any](c *Cache, kind error, getCached func() (*Entry[T], bool), build func() (T, error)) (*Entry[T], error) {
	if kind == nil {
		kind = ErrBuildFailed
	}
	for attempt := 1; ; attempt++ {
		e, _ := getCached()

		if !e.TryClaim(StateInitial, StateInProgress) {
			// someone else owns the build; wait for its outcome
			state := e.State()
			if state == StateInProgress {
				c.stats.waits.Add(1)
				state = e.AwaitTransition(StateInProgress)
			}
			if state == StateDone {
				return e, nil
			}
			if state == StateFailed || attempt >= maxBuildAttempts {
				err := e.Err(kind)
				e.Release()
				if err == nil {
					return nil, ErrBuildFailed
				}
				return nil, err
			}
			// back to Initial after a reset: the entry is no longer the
			// cached one, fetch again
			e.Release()
			continue
		}

		c.stats.builds.Add(1)
		v, err := runBuild(e, build)
		if err == nil {
			e.setValue(v)
			e.Publish(StateDone)
			return e, nil
		}

		msg, code := failureDetails(err)
		exhausted := IsResourceExhaustion(err)
		e.recordError(msg, code, exhausted)
		berr := &BuildError{Kind: kind, Message: msg, Code: code, ResourceExhausted: exhausted, cause: err}

		if exhausted {
			c.stats.retries.Add(1)
			c.hooks.BuildRetry(attempt, err)
			c.log.Warn("build ran out of resources; resetting cache", Fields{"attempt": attempt, "err": err})
			c.Reset()
			e.Publish(StateInitial)
			e.Release()
			if attempt < maxBuildAttempts {
				continue
			}
			return nil, berr
		}

		c.log.Debug("build failed", Fields{"err": err, "code": code})
		e.Publish(StateFailed)
		e.Release()
		return nil, berr
	}
}

// runBuild calls build. If build panics (or exits the goroutine) the entry is
// put back to Initial so waiters do not block forever.
func runBuild[T any](e *Entry[T], build func() (T, error)) (v T, err error) {
	done := false
	defer func() {
		if !done {
			e.Publish(StateInitial)
			e.Release()
		}
	}()
	v, err = build()
	done = true
	return v, err
}

// GetOrBuildProgram is GetOrBuild over the program cache.
func (c *Cache) GetOrBuildProgram(key ProgramKey, build func() (ProgramHandle, error)) (*ProgramEntry, error) {
	return GetOrBuild(c, ErrBuildProgram,
		func() (*ProgramEntry, bool) { return c.GetOrInsertProgram(key) },
		build)
}

// GetOrBuildKernel is GetOrBuild over the kernel cache.
func (c *Cache) GetOrBuildKernel(program ProgramHandle, name string, build func() (KernelValue, error)) (*KernelEntry, error) {
	return GetOrBuild(c, ErrBuildKernel,
		func() (*KernelEntry, bool) { return c.GetOrInsertKernel(program, name) },
		build)
}
