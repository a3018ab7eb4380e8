package buildcache

import (
	fs "github.com/unkn0wn-root/buildcache/faststore"
)

// Adapter is the driver abstraction used to release native handles when the
// last reference to their entry goes away. Must be safe for concurrent use.
type Adapter interface {
	ReleaseProgram(ProgramHandle) error
	ReleaseKernel(KernelHandle) error
}

// Options configure a Cache. Only Adapter is required; others have sensible defaults.
type Options struct {
	// Required
	Adapter Adapter

	Logger    Logger   // if nil, NopLogger is used
	Hooks     Hooks    // if nil, NopHooks is used (see tracehooks for text tracing)
	FastStore fs.Store // nil => faststore.NewMap()
}

// New returns an empty Cache. One Cache is meant to live as long as the
// compilation context that owns it.
func New(opts Options) (*Cache, error) {
	return newCache(opts)
}
