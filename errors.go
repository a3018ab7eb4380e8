package buildcache

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildProgram and ErrBuildKernel are the kinds GetOrBuildProgram and
	// GetOrBuildKernel report to waiters when the sole builder failed.
	ErrBuildProgram = errors.New("buildcache: program build failed")
	ErrBuildKernel  = errors.New("buildcache: kernel build failed")

	// ErrBuildFailed is raised to a waiter when the builder failed without
	// recording a message.
	ErrBuildFailed = errors.New("buildcache: build failed")

	// ErrMemoryAllocation marks a host allocation failure inside a build.
	// Always treated as resource exhaustion.
	ErrMemoryAllocation = errors.New("buildcache: memory allocation failed")

	ErrNilAdapter = errors.New("buildcache: adapter is required")
)

// Adapter result codes that classify a build failure as resource exhaustion.
// Adapters translate their native status into these.
const (
	CodeSuccess           int32 = 0
	CodeOutOfResources    int32 = 40
	CodeOutOfHostMemory   int32 = 19
	CodeOutOfDeviceMemory int32 = 20
)

// Failure is what a build function returns to describe why it failed.
// Message and Code are recorded on the entry and replayed to every waiter.
type Failure struct {
	Message string
	Code    int32
	// ResourceExhausted forces the reset-and-retry path regardless of Code.
	ResourceExhausted bool
	cause             error
}

// NewFailure returns a Failure carrying msg and code.
func NewFailure(msg string, code int32) *Failure {
	return &Failure{Message: msg, Code: code}
}

// WrapFailure returns a Failure whose message is taken from err.
func WrapFailure(err error, code int32) *Failure {
	return &Failure{Message: err.Error(), Code: code, cause: err}
}

func (f *Failure) Error() string {
	if f.Code == CodeSuccess {
		return f.Message
	}
	return fmt.Sprintf("%s (code %d)", f.Message, f.Code)
}

func (f *Failure) Unwrap() error { return f.cause }

// BuildError is the recorded outcome of a failed build. Kind is one of
// ErrBuildProgram, ErrBuildKernel or the kind passed to GetOrBuild. The
// builder's error also unwraps to what its build function returned; waiters
// only see what was recorded, so ResourceExhausted carries the classification
// to them.
type BuildError struct {
	Kind              error
	Message           string
	Code              int32
	ResourceExhausted bool
	cause             error
}

func (e *BuildError) Error() string {
	if e.Code == CodeSuccess {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: %s (code %d)", e.Kind, e.Message, e.Code)
}

func (e *BuildError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// ReleaseError reports a failed native handle release during teardown.
// It is only logged and passed to Hooks.ReleaseFailed, never returned.
type ReleaseError struct {
	What   string // "program" or "kernel"
	Handle uintptr
	Err    error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release %s 0x%x: %v", e.What, e.Handle, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// IsResourceExhaustion reports whether err should trigger the whole-cache
// reset and retry instead of being recorded as a final failure.
func IsResourceExhaustion(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMemoryAllocation) {
		return true
	}
	var f *Failure
	if errors.As(err, &f) && (f.ResourceExhausted || exhaustionCode(f.Code)) {
		return true
	}
	var be *BuildError
	if errors.As(err, &be) && (be.ResourceExhausted || exhaustionCode(be.Code)) {
		return true
	}
	return false
}

func exhaustionCode(code int32) bool {
	switch code {
	case CodeOutOfResources, CodeOutOfHostMemory, CodeOutOfDeviceMemory:
		return true
	}
	return false
}

// failureDetails extracts the message and code recorded for err.
func failureDetails(err error) (string, int32) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Message, f.Code
	}
	var be *BuildError
	if errors.As(err, &be) {
		return be.Message, be.Code
	}
	return err.Error(), CodeSuccess
}
