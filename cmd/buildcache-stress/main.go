// Command buildcache-stress hammers a Cache from many goroutines with a fake
// driver and reports what happened. Builds can be made to run out of resources
// periodically to exercise the reset-and-retry path.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/buildcache"
	fs "github.com/unkn0wn-root/buildcache/faststore"
	asynchook "github.com/unkn0wn-root/buildcache/hooks/async"
	rs "github.com/unkn0wn-root/buildcache/faststore/ristretto"
	bczap "github.com/unkn0wn-root/buildcache/log/zap"
	"github.com/unkn0wn-root/buildcache/specconst"
	"github.com/unkn0wn-root/buildcache/tracehooks"
)

type config struct {
	workers    int
	keys       int
	kernels    int
	devices    int
	duration   time.Duration
	buildDelay time.Duration
	oomEvery   uint64
	fastStore  string
	codec      string
	trace      bool
	logLevel   string
}

func main() {
	var cfg config
	cmd := &cobra.Command{
		Use:           "buildcache-stress",
		Short:         "Run concurrent get-or-build traffic against an in-process build cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.workers, "workers", 16, "concurrent callers")
	f.IntVar(&cfg.keys, "keys", 8, "distinct programs (image IDs)")
	f.IntVar(&cfg.kernels, "kernels", 4, "kernels per program")
	f.IntVar(&cfg.devices, "devices", 2, "devices per program key")
	f.DurationVar(&cfg.duration, "duration", 2*time.Second, "how long to run")
	f.DurationVar(&cfg.buildDelay, "build-delay", 5*time.Millisecond, "simulated build time")
	f.Uint64Var(&cfg.oomEvery, "oom-every", 0, "fail every Nth build with out-of-resources (0 = never)")
	f.StringVar(&cfg.fastStore, "fast-store", "map", "fast kernel store: map or ristretto")
	f.StringVar(&cfg.codec, "codec", "cbor", "specialization constant codec: cbor or msgpack")
	f.BoolVar(&cfg.trace, "trace", false, "write cache trace lines to stderr (also enabled by "+tracehooks.EnvVar+")")
	f.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	if cfg.workers <= 0 || cfg.keys <= 0 || cfg.kernels <= 0 || cfg.devices <= 0 {
		return errors.New("workers, keys, kernels and devices must be positive")
	}

	zl, err := newZap(cfg.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	store, err := newFastStore(cfg.fastStore)
	if err != nil {
		return err
	}
	codec, err := newCodec(cfg.codec)
	if err != nil {
		return err
	}

	var hooks buildcache.Hooks = buildcache.NopHooks{}
	if cfg.trace || tracehooks.EnabledFromEnv() {
		// trace lines are written off the cache's structural locks
		ah := asynchook.New(tracehooks.New(tracehooks.Options{FetchEvery: 100}), 1, 4096)
		defer ah.Close()
		hooks = ah
	}

	drv := &driver{}
	c, err := buildcache.New(buildcache.Options{
		Adapter:   drv,
		Logger:    bczap.ZapLogger{L: zl},
		Hooks:     hooks,
		FastStore: store,
	})
	if err != nil {
		return err
	}

	keys, err := programKeys(cfg, codec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	var calls, exhausted atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.workers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				k := keys[rand.IntN(len(keys))]
				name := fmt.Sprintf("kernel_%d", rand.IntN(cfg.kernels))
				err := launch(c, drv, cfg, k, name)
				switch {
				case err == nil:
					calls.Add(1)
				case buildcache.IsResourceExhaustion(err):
					// both attempts ran out; the caller would surface this
					exhausted.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := c.Stats()
	if err := c.Close(context.Background()); err != nil {
		return err
	}

	zl.Info("stress finished",
		zap.Uint64("calls", calls.Load()),
		zap.Uint64("exhausted", exhausted.Load()),
		zap.Uint64("launches", drv.launches.Load()),
		zap.Uint64("builds", st.Builds),
		zap.Uint64("waits", st.Waits),
		zap.Uint64("retries", st.Retries),
		zap.Uint64("resets", st.Resets),
		zap.Int("programs", st.Programs),
		zap.Int("kernels", st.Kernels),
		zap.Uint64("release_failures", st.ReleaseFailures),
	)

	if leaked := drv.live(); leaked != 0 {
		return fmt.Errorf("%d handles not released after close", leaked)
	}
	return nil
}

// launch resolves program and kernel the way a runtime would before enqueueing
// a kernel: fast path first, then the caches.
func launch(c *buildcache.Cache, drv *driver, cfg config, k buildcache.ProgramKey, name string) error {
	dev := k.Devices.Handles()[0]
	fk := buildcache.FastKey{SpecConsts: k.SpecConsts, Device: dev, Name: name}
	if v, ok := c.TryFastKernel(fk); ok {
		drv.enqueue(v)
		return nil
	}

	pe, err := c.GetOrBuildProgram(k, func() (buildcache.ProgramHandle, error) {
		return drv.buildProgram(cfg)
	})
	if err != nil {
		return err
	}
	defer pe.Release()
	prog, _ := pe.Value()

	ke, err := c.GetOrBuildKernel(prog, name, func() (buildcache.KernelValue, error) {
		return drv.buildKernel(cfg)
	})
	if err != nil {
		return err
	}
	defer ke.Release()

	if v, ok := buildcache.FastKernelOf(ke, prog); ok {
		// refused when a Reset already dropped the entry
		c.PutFastKernel(fk, v)
		drv.enqueue(v)
	}
	return nil
}

func programKeys(cfg config, codec specconst.Codec) ([]buildcache.ProgramKey, error) {
	devs := make([]buildcache.DeviceHandle, cfg.devices)
	for i := range devs {
		devs[i] = buildcache.DeviceHandle(0x1000 + i)
	}
	keys := make([]buildcache.ProgramKey, 0, cfg.keys)
	for i := 0; i < cfg.keys; i++ {
		sc, err := codec.Encode(specconst.Values{0: {byte(i % 2)}})
		if err != nil {
			return nil, err
		}
		keys = append(keys, buildcache.NewProgramKey(sc, uintptr(i+1), devs...))
	}
	return keys, nil
}

func newFastStore(kind string) (fs.Store, error) {
	switch strings.ToLower(kind) {
	case "", "map":
		return fs.NewMap(), nil
	case "ristretto":
		return rs.New(rs.Config{NumCounters: 1e5, MaxCost: 1e4, BufferItems: 64})
	default:
		return nil, fmt.Errorf("unknown fast store %q", kind)
	}
}

func newCodec(kind string) (specconst.Codec, error) {
	switch strings.ToLower(kind) {
	case "", "cbor":
		return specconst.NewCBOR()
	case "msgpack":
		return specconst.Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", kind)
	}
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// driver hands out fresh handles and tracks how many are still alive.
type driver struct {
	next     atomic.Uint64
	builds   atomic.Uint64
	alive    atomic.Int64
	launches atomic.Uint64
}

// enqueue stands in for setting arguments and launching, which must hold the
// kernel's mutex.
func (d *driver) enqueue(k buildcache.FastKernel) {
	k.Mutex.Lock()
	defer k.Mutex.Unlock()
	d.launches.Add(1)
}

func (d *driver) buildProgram(cfg config) (buildcache.ProgramHandle, error) {
	if err := d.build(cfg); err != nil {
		return 0, err
	}
	d.alive.Add(1)
	return buildcache.ProgramHandle(d.next.Add(1)), nil
}

func (d *driver) buildKernel(cfg config) (buildcache.KernelValue, error) {
	if err := d.build(cfg); err != nil {
		return buildcache.KernelValue{}, err
	}
	d.alive.Add(1)
	return buildcache.KernelValue{Kernel: buildcache.KernelHandle(d.next.Add(1))}, nil
}

func (d *driver) build(cfg config) error {
	time.Sleep(cfg.buildDelay)
	if n := d.builds.Add(1); cfg.oomEvery > 0 && n%cfg.oomEvery == 0 {
		return buildcache.NewFailure("simulated out of resources", buildcache.CodeOutOfResources)
	}
	return nil
}

func (d *driver) ReleaseProgram(buildcache.ProgramHandle) error {
	d.alive.Add(-1)
	return nil
}

func (d *driver) ReleaseKernel(buildcache.KernelHandle) error {
	d.alive.Add(-1)
	return nil
}

func (d *driver) live() int64 { return d.alive.Load() }
