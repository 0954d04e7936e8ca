// Package lucet is the embedder-facing surface for the Lucet-style
// ahead-of-time WebAssembly runtime implemented under internal/: load a
// guest shared object with LoadModule, then run it inside a pooled Arena
// obtained from a Region.
package lucet

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/lucet-rt/lucet/api"
	"github.com/lucet-rt/lucet/internal/instance"
	"github.com/lucet-rt/lucet/internal/lucetconfig"
	"github.com/lucet-rt/lucet/internal/module"
	"github.com/lucet-rt/lucet/internal/observ"
	"github.com/lucet-rt/lucet/internal/region"
	"github.com/lucet-rt/lucet/internal/sig"
)

// Module is a loaded, immutable guest shared object. Load it once and
// hand it to as many Region.NewInstance calls as needed. Each Instance
// holds a reference to it (Module.Retain/Release); the shared object is
// dlclosed when the last reference is released.
type Module = module.Module

// Instance is one running binding of a Module to a pooled Arena.
type Instance = instance.Instance

// VmCtx is the pointer a hostcall receives as its implicit first
// argument, used to recover the Instance it's running inside.
type VmCtx = instance.VmCtx

// Arg is one argument in a guest call, tagged with its WebAssembly type.
type Arg = api.Arg

// SignalHandlerFunc is the embedder override instance.SetSignalHandler
// installs; see its doc comment for the override-dispatch contract.
type SignalHandlerFunc = instance.SignalHandlerFunc

// FatalHandlerFunc is the embedder override instance.SetFatalHandler
// installs; see its doc comment for the abort contract.
type FatalHandlerFunc = instance.FatalHandlerFunc

// SignalVerdict is the decision a SignalHandlerFunc returns.
type SignalVerdict = sig.SignalVerdict

const (
	SignalNone      = sig.SignalNone
	SignalContinue  = sig.SignalContinue
	SignalTerminate = sig.SignalTerminate
)

// RegionConfig sizes and counts the Arenas a Region pre-allocates.
type RegionConfig = lucetconfig.RegionConfig

// LoadModule dlopens path and validates the symbols a Lucet AOT artifact
// is expected to export.
func LoadModule(path string) (*Module, error) {
	return module.Load(path)
}

// Option configures a Region at construction.
type Option func(*regionOptions)

type regionOptions struct {
	config RegionConfig
	logger *logrus.Logger
}

// WithRegionConfig overrides the default Arena sizing and pool capacity.
func WithRegionConfig(cfg RegionConfig) Option {
	return func(o *regionOptions) { o.config = cfg }
}

// WithLogger overrides the default logrus.Logger a Region and its
// Instances log through.
func WithLogger(l *logrus.Logger) Option {
	return func(o *regionOptions) { o.logger = l }
}

// WithLogLevel is a shorthand for WithLogger(observ.NewLogger(level))
// when the caller doesn't need a pre-configured *logrus.Logger.
func WithLogLevel(level string) Option {
	return func(o *regionOptions) { o.logger = observ.NewLogger(level) }
}

// Region is a fixed-capacity pool of Arenas, each bindable to a Module via
// NewInstance. Construct one per embedder process, or per isolation
// domain if the host wants several independently-sized pools.
type Region struct {
	r *region.Region
}

// NewRegion constructs a Region, applying opts over the package defaults
// (lucetconfig.DefaultRegionConfig, a WarnLevel logger).
func NewRegion(opts ...Option) (*Region, error) {
	o := regionOptions{
		config: lucetconfig.DefaultRegionConfig(),
		logger: observ.NewLogger("warn"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	r, err := region.New(o.config, o.logger)
	if err != nil {
		return nil, err
	}
	return &Region{r: r}, nil
}

// NewInstance acquires an Arena from the Region's pool and binds mod to
// it. embedderCtx is an opaque pointer the guest can retrieve via
// VmCtx.GetEmbedderCtx from within a hostcall. mod's start function, if
// it has one, is NOT run implicitly; the embedder must call
// Instance.RunStart itself before any other entry point.
func (r *Region) NewInstance(mod *Module, embedderCtx unsafe.Pointer) (*Instance, error) {
	return r.r.NewInstance(mod, embedderCtx)
}

// ReleaseInstance closes inst and returns its Arena to the pool.
func (r *Region) ReleaseInstance(inst *Instance) error {
	return r.r.ReleaseInstance(inst)
}

// Stats reports the Region's current pool accounting.
func (r *Region) Stats() region.Stats {
	return r.r.Stats()
}

// Close releases every pooled Arena's virtual memory reservation. The
// Region must have no live Instances outstanding.
func (r *Region) Close() error {
	return r.r.Close()
}
