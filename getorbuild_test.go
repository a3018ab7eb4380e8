package buildcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGetOrBuildExactlyOnce(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "sc", 1)

	var builds atomic.Int32
	build := func() (ProgramHandle, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 0x42, nil
	}

	const n = 32
	got := make([]*ProgramEntry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			e, err := c.GetOrBuildProgram(k, build)
			got[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), builds.Load())
	for _, e := range got {
		assert.Same(t, got[0], e)
		v, ok := e.Value()
		assert.True(t, ok)
		assert.Equal(t, ProgramHandle(0x42), v)
		e.Release()
	}

	e, inserted := c.GetOrInsertProgram(k)
	defer e.Release()
	assert.False(t, inserted)
	assert.Equal(t, StateDone, e.State())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Builds)
	assert.LessOrEqual(t, st.Waits, uint64(n-1))
}

func TestGetOrBuildDoneEntryIsNotAWait(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "", 1)
	build := func() (ProgramHandle, error) { return 0x42, nil }

	for i := 0; i < 3; i++ {
		e, err := c.GetOrBuildProgram(k, build)
		require.NoError(t, err)
		e.Release()
	}
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Builds)
	assert.Equal(t, uint64(0), st.Waits)
}

func TestGetOrBuildFailureReplay(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "", 1)

	var builds atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	build := func() (ProgramHandle, error) {
		builds.Add(1)
		close(started)
		<-unblock
		return 0, NewFailure("unresolved symbol foo", 7)
	}

	builderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuildProgram(k, build)
		builderErr <- err
	}()
	<-started

	const waiters = 8
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrBuildProgram(k, build)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(unblock)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	all := append(errs, <-builderErr)
	for _, err := range all {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBuildProgram)
		var be *BuildError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "unresolved symbol foo", be.Message)
		assert.Equal(t, int32(7), be.Code)
	}

	var f *Failure
	assert.ErrorAs(t, all[waiters], &f, "builder sees its own failure in the chain")

	e, inserted := c.GetOrInsertProgram(k)
	defer e.Release()
	assert.False(t, inserted)
	assert.Equal(t, StateFailed, e.State())
}

func TestGetOrBuildFailedEntryIsNotRebuilt(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "", 1)

	_, err := c.GetOrBuildProgram(k, func() (ProgramHandle, error) {
		return 0, errors.New("plain error")
	})
	require.Error(t, err)

	called := false
	_, err = c.GetOrBuildProgram(k, func() (ProgramHandle, error) {
		called = true
		return 1, nil
	})
	assert.False(t, called)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "plain error", be.Message)
	assert.Equal(t, CodeSuccess, be.Code)
}

func TestGetOrBuildResourceExhaustionRetry(t *testing.T) {
	hooks := &recordingHooks{}
	c, a := newTestCache(t, func(o *Options) { o.Hooks = hooks })

	unrelated := key(9, "", 1)
	require.True(t, c.InsertBuiltProgram(unrelated, 0x90))
	kern, err := c.GetOrBuildKernel(0x90, "k", func() (KernelValue, error) {
		return KernelValue{Kernel: 0x91}, nil
	})
	require.NoError(t, err)
	kern.Release()

	var attempts atomic.Int32
	e, err := c.GetOrBuildProgram(key(1, "", 1), func() (ProgramHandle, error) {
		if attempts.Add(1) == 1 {
			return 0, NewFailure("out of device memory", CodeOutOfDeviceMemory)
		}
		return 0x2, nil
	})
	require.NoError(t, err)
	defer e.Release()

	v, ok := e.Value()
	require.True(t, ok)
	assert.Equal(t, ProgramHandle(0x2), v)
	assert.Equal(t, int32(2), attempts.Load())

	// unrelated entries are gone and their handles released
	assert.Equal(t, 1, c.ProgramCount())
	assert.Equal(t, 0, c.KernelCount())
	assert.Equal(t, 1, a.programReleases(0x90))
	assert.Equal(t, 1, a.kernelReleases(0x91))
	u, inserted := c.GetOrInsertProgram(unrelated)
	u.Release()
	assert.True(t, inserted)

	assert.Equal(t, []int{1}, hooks.retries)
	assert.Equal(t, uint64(1), c.Stats().Retries)
}

func TestGetOrBuildResourceExhaustionBounded(t *testing.T) {
	c, _ := newTestCache(t, nil)

	var attempts atomic.Int32
	_, err := c.GetOrBuildKernel(0x1, "k", func() (KernelValue, error) {
		attempts.Add(1)
		return KernelValue{}, fmt.Errorf("jit: %w", ErrMemoryAllocation)
	})
	require.Error(t, err)
	assert.Equal(t, int32(maxBuildAttempts), attempts.Load())
	assert.ErrorIs(t, err, ErrBuildKernel)
	assert.ErrorIs(t, err, ErrMemoryAllocation)
	assert.True(t, IsResourceExhaustion(err))
	assert.Equal(t, uint64(2), c.Stats().Resets)
}

// Builder and waiter both run out on their final attempt. Whoever only saw the
// recorded outcome must classify it the same way as the goroutine that built.
func TestGetOrBuildExhaustionReplayedToWaiter(t *testing.T) {
	for name, fail := range map[string]error{
		"code":       NewFailure("out of resources", CodeOutOfResources),
		"allocation": fmt.Errorf("jit: %w", ErrMemoryAllocation),
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCache(t, nil)
			k := key(1, "", 1)

			started := make(chan struct{})
			var once sync.Once
			build := func() (ProgramHandle, error) {
				once.Do(func() { close(started) })
				time.Sleep(20 * time.Millisecond)
				return 0, fail
			}

			errs := make(chan error, 2)
			go func() {
				_, err := c.GetOrBuildProgram(k, build)
				errs <- err
			}()
			<-started
			go func() {
				_, err := c.GetOrBuildProgram(k, build)
				errs <- err
			}()

			for i := 0; i < 2; i++ {
				err := <-errs
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrBuildProgram)
				assert.True(t, IsResourceExhaustion(err), "%v", err)
				var be *BuildError
				require.ErrorAs(t, err, &be)
				assert.True(t, be.ResourceExhausted)
			}
		})
	}
}

// A waiter that wakes to Initial after a reset re-fetches and, on its last
// attempt, gets the recorded error.
func TestGetOrBuildWaiterAfterReset(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "", 1)

	started := make(chan struct{})
	unblock := make(chan struct{})
	var builds atomic.Int32
	build := func() (ProgramHandle, error) {
		n := builds.Add(1)
		if n == 1 {
			close(started)
			<-unblock
			return 0, NewFailure("out of resources", CodeOutOfResources)
		}
		return 0x7, nil
	}

	results := make(chan error, 2)
	entries := make(chan *ProgramEntry, 2)
	run := func() {
		e, err := c.GetOrBuildProgram(k, build)
		if err == nil {
			entries <- e
		}
		results <- err
	}
	go run()
	<-started
	go run()
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	for i := 0; i < 2; i++ {
		assert.NoError(t, <-results)
	}
	close(entries)
	for e := range entries {
		v, _ := e.Value()
		assert.Equal(t, ProgramHandle(0x7), v)
		e.Release()
	}
	assert.Equal(t, int32(2), builds.Load())
}

func TestResetDuringInFlightBuild(t *testing.T) {
	c, a := newTestCache(t, nil)
	k := key(1, "", 1)

	started := make(chan struct{})
	unblock := make(chan struct{})
	build := func() (ProgramHandle, error) {
		close(started)
		<-unblock
		return 0x5, nil
	}

	builder := make(chan *ProgramEntry, 1)
	go func() {
		e, err := c.GetOrBuildProgram(k, build)
		assert.NoError(t, err)
		builder <- e
	}()
	<-started

	fetched := make(chan struct{})
	waiter := make(chan *ProgramEntry, 1)
	go func() {
		e, err := GetOrBuild(c, ErrBuildProgram, func() (*ProgramEntry, bool) {
			e, ins := c.GetOrInsertProgram(k)
			close(fetched)
			return e, ins
		}, build)
		assert.NoError(t, err)
		waiter <- e
	}()
	<-fetched

	// unrelated reset while the build is in flight
	c.Reset()
	close(unblock)

	be, we := <-builder, <-waiter
	require.NotNil(t, be)
	require.NotNil(t, we)
	assert.Same(t, be, we)
	v, ok := we.Value()
	assert.True(t, ok)
	assert.Equal(t, ProgramHandle(0x5), v)

	// the entry left the map with the reset; the last holder releases it
	assert.Equal(t, 0, c.ProgramCount())
	be.Release()
	assert.Equal(t, 0, a.programReleases(0x5))
	we.Release()
	assert.Equal(t, 1, a.programReleases(0x5))
}

func TestGetOrBuildPanicResetsToInitial(t *testing.T) {
	c, _ := newTestCache(t, nil)
	k := key(1, "", 1)

	assert.PanicsWithValue(t, "compiler crashed", func() {
		_, _ = c.GetOrBuildProgram(k, func() (ProgramHandle, error) { panic("compiler crashed") })
	})

	e, inserted := c.GetOrInsertProgram(k)
	assert.False(t, inserted)
	assert.Equal(t, StateInitial, e.State())
	e.Release()

	e, err := c.GetOrBuildProgram(k, func() (ProgramHandle, error) { return 0x3, nil })
	require.NoError(t, err)
	defer e.Release()
	v, _ := e.Value()
	assert.Equal(t, ProgramHandle(0x3), v)
}

// Unrelated keys build concurrently: a slow build must not block another key.
func TestGetOrBuildUnrelatedKeysDoNotBlock(t *testing.T) {
	c, _ := newTestCache(t, nil)

	unblock := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		e, err := c.GetOrBuildProgram(key(1, "", 1), func() (ProgramHandle, error) {
			close(started)
			<-unblock
			return 1, nil
		})
		if assert.NoError(t, err) {
			e.Release()
		}
	}()
	<-started

	e, err := c.GetOrBuildProgram(key(2, "", 1), func() (ProgramHandle, error) { return 2, nil })
	require.NoError(t, err)
	e.Release()

	close(unblock)
	<-done
}

func TestIsResourceExhaustion(t *testing.T) {
	assert.False(t, IsResourceExhaustion(nil))
	assert.False(t, IsResourceExhaustion(errors.New("x")))
	assert.False(t, IsResourceExhaustion(NewFailure("x", 7)))
	assert.True(t, IsResourceExhaustion(NewFailure("x", CodeOutOfResources)))
	assert.True(t, IsResourceExhaustion(NewFailure("x", CodeOutOfHostMemory)))
	assert.True(t, IsResourceExhaustion(NewFailure("x", CodeOutOfDeviceMemory)))
	assert.True(t, IsResourceExhaustion(&Failure{Message: "x", ResourceExhausted: true}))
	assert.True(t, IsResourceExhaustion(fmt.Errorf("wrapped: %w", ErrMemoryAllocation)))
	assert.True(t, IsResourceExhaustion(WrapFailure(ErrMemoryAllocation, 0)))
}
