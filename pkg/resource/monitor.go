// Package resource samples free memory and disk and decides when buffered
// level writes must be synced to their backing files.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultFlushFraction is the share of free memory that unflushed writes may
// occupy before a flush is forced.
const DefaultFlushFraction = 0.5

// Sampler reports system resources. The production sampler reads the kernel;
// tests substitute their own.
type Sampler interface {
	FreeMemory() (uint64, error)
	FreeDisk(path string) (uint64, error)
}

// Config holds the Resource Monitor settings
type Config struct {
	FlushFraction float64 // unflushed bytes / free memory that triggers a flush
	ScratchDir    string  // directory checked by FreeDisk when no path is given
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		FlushFraction: DefaultFlushFraction,
		ScratchDir:    os.TempDir(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.FlushFraction <= 0 || c.FlushFraction > 1 {
		return fmt.Errorf("flush fraction must be in (0, 1], got %v", c.FlushFraction)
	}
	return nil
}

// Stats is a point-in-time view of the monitor
type Stats struct {
	FreeMemory uint64
	Unflushed  int64
	Flushes    int64
}

// Monitor tracks outstanding unflushed write volume across every pyramid in
// the process and compares it against free memory.
type Monitor struct {
	sampler  Sampler
	fraction float64
	dir      string

	unflushed atomic.Int64
	flushes   atomic.Int64
}

// NewMonitor creates a monitor. A nil sampler selects the system sampler.
func NewMonitor(cfg Config, sampler Sampler) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = SystemSampler()
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Monitor{
		sampler:  sampler,
		fraction: cfg.FlushFraction,
		dir:      cfg.ScratchDir,
	}, nil
}

// FreeMemory returns free physical memory in bytes, or 0 when it cannot be
// sampled (which makes ShouldFlush conservative).
func (m *Monitor) FreeMemory() uint64 {
	free, err := m.sampler.FreeMemory()
	if err != nil {
		slog.Debug("Free memory sample failed", slog.Any("error", err))
		return 0
	}
	return free
}

// FreeDisk returns the space available to unprivileged users on the
// filesystem holding path (the scratch directory when path is empty).
func (m *Monitor) FreeDisk(path string) (uint64, error) {
	if path == "" {
		path = m.dir
	}
	free, err := m.sampler.FreeDisk(path)
	if err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return free, nil
}

// ShouldFlush reports whether unflushed bytes exceed the configured fraction
// of currently free memory.
func (m *Monitor) ShouldFlush(unflushed int64) bool {
	if unflushed <= 0 {
		return false
	}
	return float64(unflushed) > m.fraction*float64(m.FreeMemory())
}

// AddUnflushed records n newly written bytes and returns the process total.
func (m *Monitor) AddUnflushed(n int64) int64 {
	return m.unflushed.Add(n)
}

// Flushed records that n previously written bytes reached the backing file.
// Another pyramid's flush may already have covered some of them, so the
// count clamps at zero.
func (m *Monitor) Flushed(n int64) {
	m.flushes.Add(1)
	for {
		cur := m.unflushed.Load()
		if m.unflushed.CompareAndSwap(cur, max(cur-n, 0)) {
			return
		}
	}
}

// Unflushed returns the current process-wide unflushed byte count
func (m *Monitor) Unflushed() int64 {
	return m.unflushed.Load()
}

// Stats samples the monitor
func (m *Monitor) Stats() Stats {
	return Stats{
		FreeMemory: m.FreeMemory(),
		Unflushed:  m.unflushed.Load(),
		Flushes:    m.flushes.Load(),
	}
}

var (
	defaultMu      sync.Mutex
	defaultMonitor *Monitor
)

// Init installs the process-wide monitor. It may be called again to replace
// it (tests do), but pyramids already built keep the monitor they started with.
func Init(cfg Config, sampler Sampler) (*Monitor, error) {
	m, err := NewMonitor(cfg, sampler)
	if err != nil {
		return nil, err
	}
	defaultMu.Lock()
	defaultMonitor = m
	defaultMu.Unlock()
	return m, nil
}

// Default returns the process-wide monitor, creating one with DefaultConfig
// on first use.
func Default() *Monitor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMonitor == nil {
		m, err := NewMonitor(DefaultConfig(), nil)
		if err != nil {
			// DefaultConfig always validates
			panic(err)
		}
		defaultMonitor = m
	}
	return defaultMonitor
}

// ErrUnsupported is returned by samplers on platforms without an implementation
var ErrUnsupported = errors.New("resource: sampling not supported on this platform")

// StaticSampler reports fixed values; useful for tests and for pinning the
// flush policy.
type StaticSampler struct {
	Memory uint64
	Disk   uint64
}

// FreeMemory returns s.Memory
func (s StaticSampler) FreeMemory() (uint64, error) { return s.Memory, nil }

// FreeDisk returns s.Disk
func (s StaticSampler) FreeDisk(string) (uint64, error) { return s.Disk, nil }
