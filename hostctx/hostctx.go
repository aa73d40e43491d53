// Package hostctx gathers the narrow external interfaces the core consumes
// from "ordinary systems plumbing" (spec §6, §9) into one explicit Host
// value passed by reference into every public operation. This replaces the
// teacher's global mutable state (a single /dev/kvm file descriptor, a
// process-wide CPU-feature block) the way spec §9's "Global mutable state"
// note calls for.
package hostctx

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Frame is a host-physical page-frame number: frame N covers bytes
// [N*4096, N*4096+4096).
type Frame uint64

const FrameSize = 4096

// PageAllocator is the physical page allocator trait (spec §6).
type PageAllocator interface {
	Alloc(order uint) (Frame, error)
	Free(f Frame, order uint)
}

// FrameStore extends PageAllocator with direct byte access to an allocated
// frame's backing storage. GPT nodes, VCB regions, and I/O/MSR bitmaps are
// all read/written through this narrow interface rather than through a
// global host-virtual-equals-host-physical mapping, per spec §6's "host
// virt<->phys map" external interface collapsed into one trait for this
// software port.
type FrameStore interface {
	PageAllocator
	Bytes(f Frame, order uint) []byte
}

// Clock is the monotonic clock trait (spec §6).
type Clock interface {
	NowMillis() int64
	NowCycles() uint64
}

// Level is a LogSink severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// LogSink is the trait the core emits diagnostics through; the core never
// formats to persistent storage (spec §6).
type LogSink interface {
	Emit(level Level, fields map[string]interface{}, message string)
}

// InterruptInjector is the trait a device back-end uses to signal the guest
// after a virtqueue push (spec §6).
type InterruptInjector interface {
	Inject(vcpu int, vector uint8)
}

// Host aggregates every external collaborator the core needs, constructed
// once by the management layer and threaded through by reference.
type Host struct {
	Pages  FrameStore
	Clock  Clock
	Log    LogSink
	Inject InterruptInjector
}

// --- default, software-only implementations used by tests and by the
// reference CLI when no real hardware backend is wired in. ---

// ArenaAllocator hands out frames from a single mmap'd-style byte arena,
// the way the teacher's memory.Memory hands out guest RAM (memory/memory.go)
// except here it also backs GPT/VCB node storage, not just guest RAM.
type ArenaAllocator struct {
	mu    sync.Mutex
	arena []byte
	free  []Frame
	next  Frame
	max   Frame
}

// NewArenaAllocator creates an allocator over a zeroed byte arena of the
// given size, which must be a multiple of FrameSize.
func NewArenaAllocator(size int) *ArenaAllocator {
	return &ArenaAllocator{
		arena: make([]byte, size),
		max:   Frame(size / FrameSize),
	}
}

var errOOM = &oomError{}

type oomError struct{}

func (*oomError) Error() string { return "out of frames" }

func (a *ArenaAllocator) Alloc(order uint) (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := Frame(1) << order

	if len(a.free) > 0 && n == 1 {
		f := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]

		return f, nil
	}

	if a.next+n > a.max {
		return 0, errOOM
	}

	f := a.next
	a.next += n

	return f, nil
}

func (a *ArenaAllocator) Free(f Frame, order uint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order == 0 {
		a.free = append(a.free, f)
	}
}

// Bytes returns the backing slice for frame f sized to order frames, or nil
// if the range falls outside the arena.
func (a *ArenaAllocator) Bytes(f Frame, order uint) []byte {
	start := uint64(f) * FrameSize
	size := uint64(1<<order) * FrameSize

	if start+size > uint64(len(a.arena)) {
		return nil
	}

	return a.arena[start : start+size]
}

// WallClock is a Clock backed by the host's wall-clock time in
// milliseconds (time.Now().UnixMilli()); NowCycles reports the same value.
type WallClock struct{}

func (WallClock) NowMillis() int64 { return nowMillis() }
func (WallClock) NowCycles() uint64 { return uint64(nowMillis()) }

// LogrusSink adapts a *logrus.Logger to the LogSink trait, so the core
// itself never imports logrus directly (spec §9: capability trait per role).
type LogrusSink struct {
	L *logrus.Logger
}

func NewLogrusSink(l *logrus.Logger) *LogrusSink {
	if l == nil {
		l = logrus.New()
	}

	return &LogrusSink{L: l}
}

func (s *LogrusSink) Emit(level Level, fields map[string]interface{}, message string) {
	entry := s.L.WithFields(fields)

	switch level {
	case Debug:
		entry.Debug(message)
	case Info:
		entry.Info(message)
	case Warn:
		entry.Warn(message)
	case Error:
		entry.Error(message)
	}
}

// NoopInjector discards interrupt injection requests; useful for tests that
// only care about the virtqueue protocol, not interrupt delivery.
type NoopInjector struct{}

func (NoopInjector) Inject(vcpu int, vector uint8) {}

// RecordingInjector records injected (vcpu, vector) pairs for assertions.
type RecordingInjector struct {
	mu   sync.Mutex
	Seen []struct {
		VCPU   int
		Vector uint8
	}
}

func (r *RecordingInjector) Inject(vcpu int, vector uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Seen = append(r.Seen, struct {
		VCPU   int
		Vector uint8
	}{vcpu, vector})
}

// NewDefault builds a Host suitable for tests and for the simulated engine:
// an in-memory arena allocator, a wall clock, a logrus sink at Info level,
// and an injector that simply records deliveries.
func NewDefault(arenaSize int) *Host {
	return &Host{
		Pages:  NewArenaAllocator(arenaSize),
		Clock:  WallClock{},
		Log:    NewLogrusSink(nil),
		Inject: &RecordingInjector{},
	}
}
