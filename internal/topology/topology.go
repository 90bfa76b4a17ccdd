// Package topology holds the mutable state of a cluster: pools of erasure
// sets with their lifecycle state, and per-disk endpoint and capacity.
// Every administrative change bumps the generation.
package topology

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/format"
	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/storage/atomicio"
)

const (
	FileName = "topology.json"

	Version = "1"

	DefaultVnodeFactor = 150
)

// SetState is the lifecycle state of an erasure set
type SetState int

const (
	StateActive SetState = iota
	StateDraining
	StateRemoved
)

var stateNames = map[SetState]string{
	StateActive:   "active",
	StateDraining: "draining",
	StateRemoved:  "removed",
}

func (s SetState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return stateNames[StateActive]
}

func (s SetState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name; unknown names load as active
func (s *SetState) UnmarshalText(text []byte) error {
	*s = ParseSetState(string(text))
	return nil
}

// ParseSetState maps a state name to its value, defaulting to active
func ParseSetState(name string) SetState {
	for state, n := range stateNames {
		if n == name {
			return state
		}
	}
	return StateActive
}

type Disk struct {
	UUID     string `json:"uuid"`
	Endpoint string `json:"endpoint"`
	Capacity uint64 `json:"capacity,string"`
}

type Set struct {
	Idx   int      `json:"idx"`
	State SetState `json:"state"`
	Disks []Disk   `json:"disks"`
}

type Pool struct {
	Idx  int   `json:"idx"`
	Sets []Set `json:"sets"`
}

// Topology is the content of topology.json
type Topology struct {
	Version      string `json:"version"`
	Generation   uint64 `json:"generation"`
	DeploymentID string `json:"deploymentId"`
	VnodeFactor  int    `json:"vnodeFactor"`
	Pools        []Pool `json:"pools"`
}

// New returns an unconfigured topology
func New() *Topology {
	return &Topology{
		Version:     Version,
		VnodeFactor: DefaultVnodeFactor,
		Pools:       []Pool{},
	}
}

// FromFormat derives the initial topology: one pool holding every set of the
// format, all active, with disk UUIDs copied from the grid.
func FromFormat(f *format.Format) *Topology {
	t := New()
	t.Generation = 1
	t.DeploymentID = f.ID

	pool := Pool{Idx: 0, Sets: make([]Set, f.SetCount())}
	for i, uuids := range f.XL.Sets {
		set := Set{Idx: i, State: StateActive, Disks: make([]Disk, len(uuids))}
		for j, id := range uuids {
			set.Disks[j] = Disk{UUID: id}
		}
		pool.Sets[i] = set
	}
	t.Pools = append(t.Pools, pool)
	return t
}

// Path returns where a disk stores its topology
func Path(diskPath string) string {
	return layout.SysPath(diskPath, FileName)
}

// Clone returns a deep copy
func (t *Topology) Clone() *Topology {
	c := *t
	c.Pools = make([]Pool, len(t.Pools))
	for i, p := range t.Pools {
		c.Pools[i] = Pool{Idx: p.Idx, Sets: make([]Set, len(p.Sets))}
		for j, s := range p.Sets {
			c.Pools[i].Sets[j] = Set{Idx: s.Idx, State: s.State, Disks: append([]Disk(nil), s.Disks...)}
		}
	}
	return &c
}

func (t *Topology) set(pool, set int) (*Set, error) {
	if pool < 0 || pool >= len(t.Pools) {
		return nil, errors.InvalidArgument(fmt.Sprintf("pool %d out of range", pool), nil)
	}
	if set < 0 || set >= len(t.Pools[pool].Sets) {
		return nil, errors.InvalidArgument(fmt.Sprintf("set %d out of range in pool %d", set, pool), nil)
	}
	return &t.Pools[pool].Sets[set], nil
}

// SetState returns the lifecycle state of a set
func (t *Topology) SetState(pool, set int) (SetState, error) {
	s, err := t.set(pool, set)
	if err != nil {
		return StateActive, err
	}
	return s.State, nil
}

// SetSetState changes the lifecycle state of a set
func (t *Topology) SetSetState(pool, set int, state SetState) error {
	s, err := t.set(pool, set)
	if err != nil {
		return err
	}
	if s.State != state {
		s.State = state
		t.Generation++
	}
	return nil
}

// FindDisk returns the position of a disk UUID
func (t *Topology) FindDisk(diskUUID string) (pool, set, disk int, ok bool) {
	for p := range t.Pools {
		for s := range t.Pools[p].Sets {
			for d, rec := range t.Pools[p].Sets[s].Disks {
				if rec.UUID == diskUUID {
					return p, s, d, true
				}
			}
		}
	}
	return -1, -1, -1, false
}

// SetDiskInfo records the discovered endpoint and capacity of a disk without
// bumping the generation. It reports whether anything changed.
func (t *Topology) SetDiskInfo(diskUUID, endpoint string, capacity uint64) (bool, error) {
	p, s, d, ok := t.FindDisk(diskUUID)
	if !ok {
		return false, errors.NotFound(fmt.Sprintf("disk %s not in topology", diskUUID), nil)
	}
	rec := &t.Pools[p].Sets[s].Disks[d]
	if rec.Endpoint == endpoint && rec.Capacity == capacity {
		return false, nil
	}
	rec.Endpoint = endpoint
	rec.Capacity = capacity
	return true, nil
}

// UpdateDisk is the administrative form of SetDiskInfo: the generation is
// bumped when something changed.
func (t *Topology) UpdateDisk(diskUUID, endpoint string, capacity uint64) (bool, error) {
	changed, err := t.SetDiskInfo(diskUUID, endpoint, capacity)
	if changed {
		t.Generation++
	}
	return changed, err
}

// Save writes t atomically to the disk's metadata directory
func Save(diskPath string, t *Topology) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.InternalError("encode topology", err)
	}
	return atomicio.WriteFile(Path(diskPath), data)
}

// Load reads the topology stored on a disk
func Load(diskPath string) (*Topology, error) {
	data, err := atomicio.ReadFile(Path(diskPath))
	if err != nil {
		return nil, err
	}

	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("parse %s", Path(diskPath)), err)
	}
	if t.Version == "" {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid %s: missing version", Path(diskPath)), nil)
	}
	if t.Pools == nil {
		t.Pools = []Pool{}
	}
	return &t, nil
}
