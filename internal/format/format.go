// Package format holds the immutable identity of a cluster: the deployment id
// and the grid of disk UUIDs that makes up each erasure set. Every disk keeps
// its own copy, tagged with the UUID of that disk.
package format

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/storage/atomicio"
)

const (
	FileName = "format.json"

	Version          = "1"
	Type             = "erasure"
	XLVersion        = "3"
	DistributionAlgo = "SIPMOD+PARITY"
)

// Format is the content of format.json
type Format struct {
	Version string   `json:"version"`
	Format  string   `json:"format"`
	ID      string   `json:"id"`
	XL      XLFormat `json:"xl"`
}

// XLFormat describes the erasure sets. Sets[i][j] is the UUID of disk j in
// set i; This is the UUID of the disk the document was read from.
type XLFormat struct {
	Version          string     `json:"version"`
	This             string     `json:"this"`
	DistributionAlgo string     `json:"distributionAlgo"`
	Sets             [][]string `json:"sets"`
}

// New creates a format with a fresh deployment id and disk UUID grid
func New(setCount, disksPerSet int) (*Format, error) {
	if setCount <= 0 || disksPerSet <= 0 {
		return nil, errors.InvalidConfig(fmt.Sprintf("set count and disks per set must be positive, got %d and %d", setCount, disksPerSet))
	}

	sets := make([][]string, setCount)
	for i := range sets {
		sets[i] = make([]string, disksPerSet)
		for j := range sets[i] {
			sets[i][j] = uuid.NewString()
		}
	}

	return &Format{
		Version: Version,
		Format:  Type,
		ID:      uuid.NewString(),
		XL: XLFormat{
			Version:          XLVersion,
			DistributionAlgo: DistributionAlgo,
			Sets:             sets,
		},
	}, nil
}

// Path returns where a disk stores its format
func Path(diskPath string) string {
	return layout.SysPath(diskPath, FileName)
}

func (f *Format) SetCount() int {
	return len(f.XL.Sets)
}

func (f *Format) DisksPerSet() int {
	if len(f.XL.Sets) == 0 {
		return 0
	}
	return len(f.XL.Sets[0])
}

// Clone returns a deep copy that shares nothing with f
func (f *Format) Clone() *Format {
	c := *f
	c.XL.Sets = make([][]string, len(f.XL.Sets))
	for i, set := range f.XL.Sets {
		c.XL.Sets[i] = append([]string(nil), set...)
	}
	return &c
}

// ForDisk returns a copy identifying itself as the disk with the given UUID
func (f *Format) ForDisk(diskUUID string) *Format {
	c := f.Clone()
	c.XL.This = diskUUID
	return c
}

// Find returns the grid position of a disk UUID
func (f *Format) Find(diskUUID string) (set, disk int, ok bool) {
	for i, s := range f.XL.Sets {
		for j, id := range s {
			if id == diskUUID {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

func (f *Format) check() error {
	if f.ID == "" {
		return fmt.Errorf("missing deployment id")
	}
	if len(f.XL.Sets) == 0 {
		return fmt.Errorf("missing sets")
	}
	width := len(f.XL.Sets[0])
	if width == 0 {
		return fmt.Errorf("set 0 is empty")
	}
	for i, set := range f.XL.Sets {
		if len(set) != width {
			return fmt.Errorf("set %d has %d disks, set 0 has %d", i, len(set), width)
		}
	}
	return nil
}

// Save writes f atomically to the disk's metadata directory
func Save(diskPath string, f *Format) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.InternalError("encode format", err)
	}
	return atomicio.WriteFile(Path(diskPath), data)
}

// Load reads the format stored on a disk. A missing file is NotFound; an
// unparseable or incomplete document is CorruptedData.
func Load(diskPath string) (*Format, error) {
	data, err := atomicio.ReadFile(Path(diskPath))
	if err != nil {
		return nil, err
	}

	var f Format
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("parse %s", Path(diskPath)), err)
	}
	if err := f.check(); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid %s", Path(diskPath)), err)
	}
	return &f, nil
}

// Validate checks that a majority of formats agree with the first present
// one on deployment id, set count, disks per set and distribution algorithm.
// Nil entries are disks without a readable format; they count toward the
// total but are never valid.
func Validate(formats []*Format, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(formats) == 0 {
		return errors.InvalidArgument("no formats to validate", nil)
	}

	var ref *Format
	for _, f := range formats {
		if f != nil {
			ref = f
			break
		}
	}
	if ref == nil {
		return errors.InvalidArgument("no disk has a format", nil)
	}

	valid := 0
	for i, f := range formats {
		if f == nil {
			continue
		}
		if f.Version != ref.Version {
			logger.Warn("Format version mismatch",
				zap.Int("disk", i),
				zap.String("version", f.Version),
				zap.String("expected", ref.Version))
		}
		if reason := mismatch(ref, f); reason != "" {
			logger.Warn("Format disagrees with reference",
				zap.Int("disk", i),
				zap.String("reason", reason))
			continue
		}
		valid++
	}

	required := len(formats)/2 + 1
	if valid < required {
		return errors.QuorumNotMet("format validate", valid, required)
	}
	return nil
}

func mismatch(ref, f *Format) string {
	switch {
	case f.ID != ref.ID:
		return "deployment id"
	case f.SetCount() != ref.SetCount():
		return "set count"
	case f.DisksPerSet() != ref.DisksPerSet():
		return "disks per set"
	case f.XL.DistributionAlgo != ref.XL.DistributionAlgo:
		return "distribution algorithm"
	}
	return ""
}
