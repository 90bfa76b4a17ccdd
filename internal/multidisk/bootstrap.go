package multidisk

import (
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/format"
	"github.com/devrev/buckets/internal/storage/atomicio"
	"github.com/devrev/buckets/internal/topology"
)

// FormatDisks bootstraps a new cluster on empty disks. Paths are assigned to
// the grid in order: the first disksPerSet paths form set 0 and so on. Every
// disk gets its own format copy identifying its cell, and the derived
// topology. Fails with AlreadyExists if any disk is already formatted.
func FormatDisks(paths []string, setCount, disksPerSet int, logger *zap.Logger) (*format.Format, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if setCount <= 0 || disksPerSet <= 0 {
		return nil, errors.InvalidConfig(fmt.Sprintf("set count and disks per set must be positive, got %d and %d", setCount, disksPerSet))
	}
	if len(paths) != setCount*disksPerSet {
		return nil, errors.InvalidConfig(fmt.Sprintf("%d sets of %d disks need %d paths, got %d",
			setCount, disksPerSet, setCount*disksPerSet, len(paths)))
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if seen[path] {
			return nil, errors.InvalidConfig(fmt.Sprintf("disk %s listed twice", path))
		}
		seen[path] = true

		_, err := format.Load(path)
		if err == nil {
			return nil, errors.AlreadyExists(fmt.Sprintf("disk %s is already formatted", path))
		}
		if !stderrors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	f, err := format.New(setCount, disksPerSet)
	if err != nil {
		return nil, err
	}
	topo := topology.FromFormat(f)

	for i, path := range paths {
		set, disk := i/disksPerSet, i%disksPerSet
		if err := atomicio.EnsureDir(path); err != nil {
			return nil, err
		}
		if err := format.Save(path, f.ForDisk(f.XL.Sets[set][disk])); err != nil {
			return nil, err
		}
		if err := topology.Save(path, topo); err != nil {
			return nil, err
		}
		logger.Info("Formatted disk",
			zap.String("disk", path),
			zap.Int("set", set),
			zap.Int("index", disk),
			zap.String("uuid", f.XL.Sets[set][disk]))
	}

	return f, nil
}
