// Package tracehooks writes human-readable cache trace lines, e.g.
//
//	[In-Memory Cache][Program Cache][Key:{imageId = 7,devices = 0x1,0x2,}]: Program inserted.
//	[In-Memory Cache][Kernel Cache][IsFastCache: 1][Key:{Name = vadd}]: Kernel fetched.
//
// Tracing is purely observational. Enable it from the environment with
// FromEnv, which returns buildcache.NopHooks unless BUILDCACHE_TRACE is set.
package tracehooks

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/buildcache"
)

// EnvVar enables tracing. Accepted values: a boolean ("1", "true", ...), a
// numeric bitmask where TraceInMemory selects this cache, or "all".
const EnvVar = "BUILDCACHE_TRACE"

// TraceInMemory is the bitmask bit for the in-memory cache.
const TraceInMemory = 0x2

type Options struct {
	// Out receives trace lines. nil => os.Stderr.
	Out io.Writer
	// Sampling of fetch events to avoid floods; 0/1 = trace all.
	FetchEvery uint64
}

type Hooks struct {
	mu   sync.Mutex // serializes writes to out
	out  io.Writer
	opts Options

	fetchCtr atomic.Uint64
}

var _ buildcache.Hooks = (*Hooks)(nil)

func New(opts Options) *Hooks {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	return &Hooks{out: out, opts: opts}
}

// Enabled reports whether v turns tracing on.
func Enabled(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if n, err := strconv.ParseUint(v, 0, 32); err == nil {
		return n&TraceInMemory != 0
	}
	return strings.EqualFold(v, "all")
}

// EnabledFromEnv reports whether EnvVar turns tracing on.
func EnabledFromEnv() bool { return Enabled(os.Getenv(EnvVar)) }

// FromEnv returns trace hooks when EnvVar enables tracing, NopHooks otherwise.
func FromEnv(opts Options) buildcache.Hooks {
	if !EnabledFromEnv() {
		return buildcache.NopHooks{}
	}
	return New(opts)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ProgramInserted(k buildcache.ProgramKey) { h.program("Program inserted.", k) }

func (h *Hooks) ProgramFetched(k buildcache.ProgramKey) {
	if !sample(h.opts.FetchEvery, &h.fetchCtr) {
		return
	}
	h.program("Program fetched.", k)
}

func (h *Hooks) KernelInserted(name string, fast bool) { h.kernel("Kernel inserted.", name, fast) }

func (h *Hooks) KernelFetched(name string, fast bool) {
	if !sample(h.opts.FetchEvery, &h.fetchCtr) {
		return
	}
	h.kernel("Kernel fetched.", name, fast)
}

func (h *Hooks) BuildRetry(attempt int, err error) {
	h.line(fmt.Sprintf("[Build][Attempt:%d]: Out of resources, cache cleared: %v", attempt, err))
}

func (h *Hooks) CacheReset(programs, kernels int) {
	h.line(fmt.Sprintf("[Reset][Programs:%d][Kernels:%d]: Cache cleared.", programs, kernels))
}

func (h *Hooks) ReleaseFailed(what string, err error) {
	h.line(fmt.Sprintf("[Release][%s]: %v", what, err))
}

func (h *Hooks) program(msg string, k buildcache.ProgramKey) {
	var devs strings.Builder
	for _, d := range k.Devices.Handles() {
		fmt.Fprintf(&devs, "0x%x,", uintptr(d))
	}
	h.line(fmt.Sprintf("[Program Cache][Key:{imageId = %d,devices = %s}]: %s", k.ImageID, devs.String(), msg))
}

func (h *Hooks) kernel(msg, name string, fast bool) {
	isFast := 0
	if fast {
		isFast = 1
	}
	h.line(fmt.Sprintf("[Kernel Cache][IsFastCache: %d][Key:{Name = %s}]: %s", isFast, name, msg))
}

func (h *Hooks) line(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = io.WriteString(h.out, "[In-Memory Cache]"+s+"\n")
}
