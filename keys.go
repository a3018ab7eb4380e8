package buildcache

import (
	"strconv"
	"sync"

	"github.com/unkn0wn-root/buildcache/internal/util"
)

// ProgramHandle, KernelHandle and DeviceHandle are opaque native handles owned
// by the backend. The zero value is the null handle.
type (
	ProgramHandle uintptr
	KernelHandle  uintptr
	DeviceHandle  uintptr
)

// ArgMask marks kernel arguments eliminated by the compiler. It is computed
// outside the cache and only referenced from cached values.
type ArgMask []bool

// DeviceSet is the canonical, comparable encoding of a set of devices.
// Build one with NewDeviceSet; the zero value is the empty set.
type DeviceSet string

// NewDeviceSet returns the set of devices, ignoring order and duplicates.
func NewDeviceSet(devices ...DeviceHandle) DeviceSet {
	hs := make([]uint64, len(devices))
	for i, d := range devices {
		hs[i] = uint64(d)
	}
	return DeviceSet(util.PackSet(hs))
}

// Handles returns the devices in ascending order.
func (s DeviceSet) Handles() []DeviceHandle {
	hs := util.UnpackSet(string(s))
	out := make([]DeviceHandle, len(hs))
	for i, h := range hs {
		out[i] = DeviceHandle(h)
	}
	return out
}

func (s DeviceSet) Len() int { return len(s) / 8 }

// ProgramKey identifies one compiled program: the serialized specialization
// constants bound into it, the device image it was built from and the devices
// it was built for.
type ProgramKey struct {
	SpecConsts string
	ImageID    uintptr
	Devices    DeviceSet
}

// NewProgramKey builds a ProgramKey. specConsts is usually produced by a
// specconst.Codec so that equal constant sets serialize identically.
func NewProgramKey(specConsts []byte, imageID uintptr, devices ...DeviceHandle) ProgramKey {
	return ProgramKey{
		SpecConsts: string(specConsts),
		ImageID:    imageID,
		Devices:    NewDeviceSet(devices...),
	}
}

// Common drops the specialization constants.
func (k ProgramKey) Common() CommonKey {
	return CommonKey{ImageID: k.ImageID, Devices: k.Devices}
}

// CommonKey groups every ProgramKey built from the same image for the same
// devices, e.g. the per-device keys of a multi-device build.
type CommonKey struct {
	ImageID uintptr
	Devices DeviceSet
}

// FastKey is the denormalized key of the fast kernel lookup.
type FastKey struct {
	SpecConsts string
	Device     DeviceHandle
	Name       string
}

func (k FastKey) storageKey() string {
	return util.CompositeKey(k.SpecConsts, strconv.FormatUint(uint64(k.Device), 16), k.Name)
}

// KernelValue is what a kernel build produces.
type KernelValue struct {
	Kernel  KernelHandle
	ArgMask *ArgMask
}

// FastKernel is everything a launch needs, without walking the structural
// caches: the kernel, the mutex guarding it, its argument mask and the
// program it was created from.
type FastKernel struct {
	Kernel  KernelHandle
	Mutex   *sync.Mutex
	ArgMask *ArgMask
	Program ProgramHandle
}
