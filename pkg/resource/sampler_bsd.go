//go:build darwin || freebsd

package resource

import "golang.org/x/sys/unix"

type systemSampler struct{}

// SystemSampler returns the kernel-backed sampler
func SystemSampler() Sampler { return systemSampler{} }

// FreeMemory has no cheap "free pages" counter on these kernels; a quarter of
// physical memory is used as the budget.
func (systemSampler) FreeMemory() (uint64, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		total, err = unix.SysctlUint64("hw.physmem")
		if err != nil {
			return 0, err
		}
	}
	return total / 4, nil
}

func (systemSampler) FreeDisk(path string) (uint64, error) {
	return statfsAvail(path)
}
