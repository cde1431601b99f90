//go:build linux

package resource

import "golang.org/x/sys/unix"

type systemSampler struct{}

// SystemSampler returns the kernel-backed sampler
func SystemSampler() Sampler { return systemSampler{} }

// FreeMemory counts free RAM plus buffer memory the kernel can reclaim.
func (systemSampler) FreeMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, nil
}

func (systemSampler) FreeDisk(path string) (uint64, error) {
	return statfsAvail(path)
}
