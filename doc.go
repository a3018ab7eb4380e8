// Package buildcache implements an in-process cache for expensive compiled
// artifacts: device programs and the kernels extracted from them. Many
// goroutines share one Cache; each distinct artifact is built at most once and
// the outcome of that single build (value or error) is replayed to everyone who
// asked for it concurrently.
//
// Components:
//   - Result[T]: value + atomic BuildState + recorded error + a wait/notify
//     signal scoped to the entry.
//   - Program cache: ProgramKey -> entry, plus CommonKey -> []ProgramKey.
//   - Kernel cache: program -> kernel name -> entry.
//   - Fast kernel lookup: flat FastKey -> FastKernel map with its own locks
//     (faststore.Map by default, or faststore/ristretto).
//
// States:
//
//	Initial -> InProgress -> Done | Failed
//
// A build that fails with resource exhaustion clears every cache and is
// retried once; waiters that wake to Initial re-fetch their entry.
//
// Pattern:
//
//	e, err := cache.GetOrBuildProgram(key, func() (buildcache.ProgramHandle, error) {
//	    return compile(src) // return a *buildcache.Failure to record code/message
//	})
//	if err != nil { return err }
//	defer e.Release()
//	prog, _ := e.Value()
package buildcache
