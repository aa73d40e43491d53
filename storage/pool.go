package storage

import (
	"fmt"
	"sync"

	"github.com/purevisor/purevisor/errs"
)

// DefaultExtentSize is the pool's fixed extent granularity (spec.md §6
// default for the extent_size configuration key).
const DefaultExtentSize = 4 * 1024 * 1024

// MaxPoolDevices bounds the underlying block devices one pool may span
// (spec.md §3: "a set of up to 16 underlying block devices").
const MaxPoolDevices = 16

// ExtentState is one extent's allocation state.
type ExtentState int

const (
	Free ExtentState = iota
	Allocated
	Reserved
)

func (s ExtentState) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// ExtentID identifies one extent within a pool; 0 is never issued and marks
// an unmapped volume-extent entry (spec.md §3).
type ExtentID uint64

// extent is one fixed-size unit of pool storage.
type extent struct {
	ID           ExtentID
	DeviceIndex  int
	DeviceOffset int64
	State        ExtentState
	Owner        VolumeID // valid when State == Allocated
	// Replicas holds the IDs of this extent's replica extents when it is a
	// replicated primary; empty for ReplicationNone.
	Replicas []ExtentID
}

// PoolState is the lifecycle phase of a Pool (spec.md §7: "Pool Degraded
// state is surfaced through status read; Offline state fails all volume I/O
// with Io-failed").
type PoolState int

const (
	Offline PoolState = iota
	Online
	Degraded
)

func (s PoolState) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// poolDevice is one underlying block device contributing extents to a pool.
type poolDevice struct {
	Device     BlockDevice
	ExtentBase int // first extent index this device owns
	ExtentN    int
	Healthy    bool
}

// Pool is an extent-based storage pool (spec.md §3/§4.6): a set of
// underlying devices partitioned into fixed-size extents, and the named
// volumes mapped onto them.
type Pool struct {
	mu sync.Mutex

	Name       string
	ExtentSize int64
	State      PoolState

	devices []*poolDevice
	extents []*extent // index == local extent index within the pool; ID == index+1

	volumes  map[VolumeID]*Volume
	nextVol  VolumeID

	sharedState *sharedExtents
}

// NewPool creates an empty pool (state Offline until a device is added),
// using extentSize bytes per extent (DefaultExtentSize if zero).
func NewPool(name string, extentSize int64) *Pool {
	if extentSize <= 0 {
		extentSize = DefaultExtentSize
	}

	return &Pool{
		Name:       name,
		ExtentSize: extentSize,
		State:      Offline,
		volumes:    make(map[VolumeID]*Volume),
		nextVol:    1,
	}
}

// AddDevice contributes dev's capacity to the pool as whole extents
// (spec.md §4.6: "each added device contributes device_size/extent_size
// extents"), promoting the pool to Online. Any remainder smaller than one
// extent is unused.
func (p *Pool) AddDevice(dev BlockDevice) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.devices) >= MaxPoolDevices {
		return errs.Wrap("storage.Pool.AddDevice", errs.OutOfSpace,
			fmt.Errorf("pool %q already has %d devices", p.Name, MaxPoolDevices))
	}

	if err := dev.Open(); err != nil {
		return err
	}

	n := int(dev.Size() / p.ExtentSize)
	pd := &poolDevice{Device: dev, ExtentBase: len(p.extents), ExtentN: n, Healthy: true}

	for i := 0; i < n; i++ {
		id := ExtentID(len(p.extents) + 1)
		p.extents = append(p.extents, &extent{
			ID:           id,
			DeviceIndex:  len(p.devices),
			DeviceOffset: int64(i) * p.ExtentSize,
			State:        Free,
		})
	}

	p.devices = append(p.devices, pd)
	p.State = Online

	return nil
}

// extentByID returns the extent for id, or nil if out of range.
func (p *Pool) extentByID(id ExtentID) *extent {
	if id == 0 || int(id) > len(p.extents) {
		return nil
	}

	return p.extents[id-1]
}

// Counts returns the {free, allocated, reserved} extent counts, the
// invariant spec.md §8 item 4 checks sums to the total extent count.
func (p *Pool) Counts() (free, allocated, reserved int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.extents {
		switch e.State {
		case Free:
			free++
		case Allocated:
			allocated++
		case Reserved:
			reserved++
		}
	}

	return free, allocated, reserved
}

// Total returns the pool's total extent count.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.extents)
}

// Volume looks up a volume by ID.
func (p *Pool) Volume(id VolumeID) (*Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.volumes[id]
	if !ok {
		return nil, errs.Wrap("storage.Pool.Volume", errs.NotFound, fmt.Errorf("volume %d", id))
	}

	return v, nil
}

// VolumeByName looks up a volume by its name.
func (p *Pool) VolumeByName(name string) (*Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.volumes {
		if v.Name == name {
			return v, nil
		}
	}

	return nil, errs.Wrap("storage.Pool.VolumeByName", errs.NotFound, fmt.Errorf("volume %q", name))
}

// Volumes returns every volume currently in the pool.
func (p *Pool) Volumes() []*Volume {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Volume, 0, len(p.volumes))
	for _, v := range p.volumes {
		out = append(out, v)
	}

	return out
}

// AllocatedExtents reports how many distinct pool extents v currently maps
// (spec.md S2: "volume allocated-count equals 1 extent").
func (v *Volume) AllocatedExtents() int {
	n := 0

	for _, id := range v.extentMap {
		if id != 0 {
			n++
		}
	}

	return n
}

// allocateOne marks the first Free extent whose device is not in
// excludeDevices as Allocated to owner; allocateReplicated uses the exclusion
// set to keep replica extents on distinct underlying devices (spec.md §4.6).
// The caller holds p.mu.
func (p *Pool) allocateOne(owner VolumeID, excludeDevices map[int]bool) (*extent, error) {
	for _, e := range p.extents {
		if e.State != Free {
			continue
		}

		if excludeDevices[e.DeviceIndex] {
			continue
		}

		e.State = Allocated
		e.Owner = owner

		return e, nil
	}

	return nil, errs.New("storage.Pool.allocateOne", errs.OutOfSpace)
}

// allocateReplicated allocates one primary extent plus replicaCount replica
// extents on distinct devices (spec.md §4.6), rolling back everything it
// allocated if any step fails.
func (p *Pool) allocateReplicated(owner VolumeID, replicaCount int) (*extent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var allocated []*extent

	rollback := func() {
		for _, e := range allocated {
			e.State = Free
			e.Owner = 0
			e.Replicas = nil
		}
	}

	primary, err := p.allocateOne(owner, nil)
	if err != nil {
		return nil, err
	}

	allocated = append(allocated, primary)

	excluded := map[int]bool{primary.DeviceIndex: true}

	for i := 0; i < replicaCount; i++ {
		r, err := p.allocateOne(owner, excluded)
		if err != nil {
			rollback()

			return nil, errs.Wrap("storage.Pool.allocateReplicated", errs.RedundancyImpossible,
				fmt.Errorf("could not place replica %d/%d on a distinct device: %w", i+1, replicaCount, err))
		}

		allocated = append(allocated, r)
		excluded[r.DeviceIndex] = true
		primary.Replicas = append(primary.Replicas, r.ID)
	}

	return primary, nil
}

// freeExtent returns id (and its replicas, if any) to Free.
func (p *Pool) freeExtent(id ExtentID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.extentByID(id)
	if e == nil {
		return
	}

	for _, rid := range e.Replicas {
		if r := p.extentByID(rid); r != nil {
			r.State = Free
			r.Owner = 0
		}
	}

	e.State = Free
	e.Owner = 0
	e.Replicas = nil
}

// locate resolves an extent ID to the device and device-relative offset it
// occupies.
func (p *Pool) locate(id ExtentID) (BlockDevice, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.extentByID(id)
	if e == nil {
		return nil, 0, errs.Wrap("storage.Pool.locate", errs.NotFound,
			fmt.Errorf("extent %d not found", id))
	}

	pd := p.devices[e.DeviceIndex]

	return pd.Device, e.DeviceOffset, nil
}

// replicasOf returns the replica extent IDs of a (possibly primary) extent.
func (p *Pool) replicasOf(id ExtentID) []ExtentID {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.extentByID(id)
	if e == nil {
		return nil
	}

	out := make([]ExtentID, len(e.Replicas))
	copy(out, e.Replicas)

	return out
}
