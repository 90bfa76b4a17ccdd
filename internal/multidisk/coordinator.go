// Package multidisk organizes formatted disks into erasure sets and performs
// quorum reads, writes, validation and healing of per-object metadata.
//
// A disk failing an individual I/O is a soft failure: it lowers the success
// count of that operation and nothing else. Only missing the majority of a
// set's own disk count is reported to the caller, as QuorumNotMet.
package multidisk

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/buckets/internal/erasure"
	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/format"
	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/metrics"
	"github.com/devrev/buckets/internal/model"
	"github.com/devrev/buckets/internal/storage/diskmanager"
	"github.com/devrev/buckets/internal/topology"
)

// ErrDiskOffline is the per-disk result of a disk that was skipped because
// it is offline.
var ErrDiskOffline = stderrors.New("disk offline")

// Config holds optional coordinator behavior
type Config struct {
	// RequireFormatQuorum refuses to start unless a majority of the given
	// disks carry agreeing formats.
	RequireFormatQuorum bool
	// SelfTest runs the erasure self-test before accepting any disk.
	SelfTest bool
	Metrics  *metrics.Metrics
	// SpaceGuard, when set, is consulted before every write to a disk. A
	// refusal counts as a failure of that disk.
	SpaceGuard SpaceGuard
}

// SpaceGuard decides whether a disk may accept a write of the given size
type SpaceGuard interface {
	CheckBeforeWrite(path string, estimatedBytes uint64) error
}

// diskSet is the runtime view of one erasure set. The slices are indexed by
// disk position within the set.
type diskSet struct {
	paths  []string
	uuids  []string
	online []bool
}

func (s *diskSet) onlineCount() int {
	n := 0
	for _, on := range s.online {
		if on {
			n++
		}
	}
	return n
}

// Coordinator owns the disks of one node. All state is guarded by mu:
// quorum operations hold the read lock, status changes the write lock.
type Coordinator struct {
	mu       sync.RWMutex
	format   *format.Format
	topology *topology.Topology
	sets     []diskSet
	closed   bool

	guard   SpaceGuard
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCoordinator loads the cluster format from the first disk that has one
// and resolves every disk UUID of the format to the path whose own format
// identifies as that disk. Cells without a matching path start offline.
func NewCoordinator(diskPaths []string, cfg *Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if len(diskPaths) == 0 {
		return nil, errors.InvalidArgument("no disk paths given", nil)
	}

	if cfg.SelfTest {
		if err := erasure.SelfTest(logger); err != nil {
			return nil, errors.InternalError("erasure self-test failed", err)
		}
	}

	formats := make([]*format.Format, len(diskPaths))
	var ref *format.Format
	for i, path := range diskPaths {
		f, err := format.Load(path)
		if err != nil {
			logger.Warn("Disk has no usable format",
				zap.String("disk", path),
				zap.Error(err))
			continue
		}
		formats[i] = f
		if ref == nil {
			ref = f
		}
	}
	if ref == nil {
		return nil, errors.NotFound("no disk has a format", nil)
	}

	if err := format.Validate(formats, logger); err != nil {
		if cfg.RequireFormatQuorum {
			return nil, err
		}
		logger.Warn("Disk formats do not reach quorum", zap.Error(err))
	}

	c := &Coordinator{
		format:  ref.Clone(),
		sets:    make([]diskSet, ref.SetCount()),
		guard:   cfg.SpaceGuard,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	c.format.XL.This = ""

	for i, uuids := range ref.XL.Sets {
		set := diskSet{
			paths:  make([]string, len(uuids)),
			uuids:  append([]string(nil), uuids...),
			online: make([]bool, len(uuids)),
		}
		for j, id := range uuids {
			for p, f := range formats {
				if f == nil || f.XL.This != id {
					continue
				}
				set.paths[j] = diskPaths[p]
				set.online[j] = true
				break
			}
			if !set.online[j] {
				logger.Warn("Disk not found for format cell",
					zap.Int("set", i),
					zap.Int("disk", j),
					zap.String("uuid", id))
			}
		}
		c.sets[i] = set
		c.metrics.SetOnlineDisks(strconv.Itoa(i), set.onlineCount())
	}

	topo, err := topology.Load(diskPaths[0])
	if err != nil {
		logger.Info("Deriving topology from format",
			zap.String("disk", diskPaths[0]),
			zap.Error(err))
		topo = topology.FromFormat(c.format)
	}
	c.topology = topo
	c.refreshDiskInfo()

	logger.Info("Coordinator initialized",
		zap.String("deployment_id", c.format.ID),
		zap.Int("sets", len(c.sets)),
		zap.Int("disks_per_set", c.format.DisksPerSet()),
		zap.Uint64("generation", c.topology.Generation))

	return c, nil
}

// refreshDiskInfo records the path and capacity of online disks in the
// in-memory topology.
func (c *Coordinator) refreshDiskInfo() {
	for i := range c.sets {
		for j, on := range c.sets[i].online {
			if !on {
				continue
			}
			capacity, err := diskmanager.Capacity(c.sets[i].paths[j])
			if err != nil {
				c.logger.Warn("Failed to read disk capacity",
					zap.String("disk", c.sets[i].paths[j]),
					zap.Error(err))
				continue
			}
			if _, err := c.topology.SetDiskInfo(c.sets[i].uuids[j], c.sets[i].paths[j], capacity); err != nil {
				c.logger.Debug("Disk missing from topology",
					zap.String("uuid", c.sets[i].uuids[j]),
					zap.Error(err))
			}
		}
	}
}

// set returns the disk set at index. Callers hold mu.
func (c *Coordinator) set(index int) (*diskSet, error) {
	if index < 0 || index >= len(c.sets) {
		return nil, errors.InvalidArgument(fmt.Sprintf("set index %d out of range [0,%d)", index, len(c.sets)), nil)
	}
	return &c.sets[index], nil
}

// forEachOnline runs fn for every online disk of s in parallel and returns
// the per-disk outcome: nil on success, ErrDiskOffline when skipped.
// Callers hold mu.
func (c *Coordinator) forEachOnline(ctx context.Context, s *diskSet, fn func(disk int, path string) error) []error {
	errs := make([]error, len(s.paths))
	g, gctx := errgroup.WithContext(ctx)

	for j := range s.paths {
		if !s.online[j] {
			errs[j] = ErrDiskOffline
			continue
		}
		j := j
		path := s.paths[j]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[j] = err
				return nil
			}
			errs[j] = fn(j, path)
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func countSuccess(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

// quorumError builds QuorumNotMet. When most attempted disks agree the
// object is absent the error also matches errors.ErrNotFound.
func quorumError(op string, errs []error, required int) error {
	qerr := errors.QuorumNotMet(op, countSuccess(errs), required)
	notFound := 0
	for _, err := range errs {
		if err != nil && stderrors.Is(err, errors.ErrNotFound) {
			notFound++
		}
	}
	if notFound >= required {
		qerr.Cause = errors.NotFound("object not found on a majority of disks", nil)
	}
	return qerr
}

func (c *Coordinator) logDiskErrors(op string, setIndex int, s *diskSet, errs []error) {
	for j, err := range errs {
		if err == nil || err == ErrDiskOffline || stderrors.Is(err, errors.ErrNotFound) {
			continue
		}
		c.metrics.DiskError(op)
		c.logger.Warn("Disk operation failed",
			zap.String("op", op),
			zap.Int("set", setIndex),
			zap.Int("disk", j),
			zap.String("path", s.paths[j]),
			zap.Error(err))
	}
}

// readAll reads xl.meta from every online disk of s
func (c *Coordinator) readAll(ctx context.Context, s *diskSet, objPath string) ([]*model.ObjectMetadata, []error) {
	metas := make([]*model.ObjectMetadata, len(s.paths))
	errs := c.forEachOnline(ctx, s, func(disk int, path string) error {
		data, err := layout.ReadMeta(path, objPath)
		if err != nil {
			return err
		}
		meta, err := model.UnmarshalObjectMetadata(data)
		if err != nil {
			return err
		}
		metas[disk] = meta
		return nil
	})
	return metas, errs
}

// ReadXLMeta reads the object's metadata from every online disk of the set
// and returns the first successfully read copy in disk order. Fails with
// QuorumNotMet when fewer than a majority of the set's disks could be read.
func (c *Coordinator) ReadXLMeta(ctx context.Context, setIndex int, objPath string) (meta *model.ObjectMetadata, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveQuorumOp("read_xl_meta", start, err) }()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return nil, err
	}

	metas, errs := c.readAll(ctx, s, objPath)
	c.logDiskErrors("read_xl_meta", setIndex, s, errs)

	required := Quorum(len(s.paths))
	if !IsQuorumReached(countSuccess(errs), len(s.paths)) {
		return nil, quorumError("read xl.meta", errs, required)
	}

	for j, m := range metas {
		if errs[j] == nil {
			return m, nil
		}
	}
	return nil, errors.InternalError("quorum reached without a readable copy", nil)
}

// WriteXLMeta writes meta to every online disk of the set. Copies written
// before a quorum failure are left in place for a later heal.
func (c *Coordinator) WriteXLMeta(ctx context.Context, setIndex int, objPath string, meta *model.ObjectMetadata) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveQuorumOp("write_xl_meta", start, err) }()

	data, err := meta.Marshal()
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return err
	}

	errs := c.forEachOnline(ctx, s, func(disk int, path string) error {
		if err := c.checkSpace(path, len(data)); err != nil {
			return err
		}
		return layout.WriteMeta(path, objPath, data)
	})
	c.logDiskErrors("write_xl_meta", setIndex, s, errs)

	if !IsQuorumReached(countSuccess(errs), len(s.paths)) {
		return quorumError("write xl.meta", errs, Quorum(len(s.paths)))
	}
	return nil
}

// ValidateXLMeta returns the positions of disks whose copy differs in size or
// modification time from the first readable copy. Unreadable disks are not
// reported. With fewer than two readable copies there is nothing to compare.
func (c *Coordinator) ValidateXLMeta(ctx context.Context, setIndex int, objPath string) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return nil, err
	}

	metas, errs := c.readAll(ctx, s, objPath)
	if countSuccess(errs) < 2 {
		return []int{}, nil
	}

	var ref *model.ObjectMetadata
	inconsistent := []int{}
	for j, m := range metas {
		if errs[j] != nil {
			continue
		}
		if ref == nil {
			ref = m
			continue
		}
		if !ref.SameStat(m) {
			inconsistent = append(inconsistent, j)
		}
	}

	if len(inconsistent) > 0 {
		c.metrics.InconsistentCopies(len(inconsistent))
		c.logger.Info("Inconsistent metadata copies",
			zap.Int("set", setIndex),
			zap.String("object", objPath),
			zap.Ints("disks", inconsistent))
	}
	return inconsistent, nil
}

// HealXLMeta rewrites every online disk whose copy is unreadable or differs
// from the reference, and returns how many were rewritten. The reference is
// the version held by the most disks, the newest one on a tie; at least a
// majority of the set must be readable.
func (c *Coordinator) HealXLMeta(ctx context.Context, setIndex int, objPath string) (healed int, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveQuorumOp("heal_xl_meta", start, err) }()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return 0, err
	}

	metas, errs := c.readAll(ctx, s, objPath)
	if !IsQuorumReached(countSuccess(errs), len(s.paths)) {
		return 0, quorumError("heal xl.meta", errs, Quorum(len(s.paths)))
	}

	ref := pickReference(metas, errs)
	data, err := ref.Marshal()
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	healErrs := c.forEachOnline(ctx, s, func(disk int, path string) error {
		if errs[disk] == nil && ref.SameStat(metas[disk]) {
			return nil
		}
		if err := layout.WriteMeta(path, objPath, data); err != nil {
			return err
		}
		mu.Lock()
		healed++
		mu.Unlock()
		c.logger.Info("Healed metadata copy",
			zap.Int("set", setIndex),
			zap.Int("disk", disk),
			zap.String("object", objPath))
		return nil
	})
	c.logDiskErrors("heal_xl_meta", setIndex, s, healErrs)
	c.metrics.HealedCopies(healed)

	return healed, nil
}

// pickReference returns the copy whose (size, modTime) is held by the most
// disks, preferring the newest modTime on a tie. The first copy in disk
// order represents its group.
func pickReference(metas []*model.ObjectMetadata, errs []error) *model.ObjectMetadata {
	type group struct {
		meta  *model.ObjectMetadata
		votes int
	}
	var groups []*group

	for j, m := range metas {
		if errs[j] != nil {
			continue
		}
		found := false
		for _, g := range groups {
			if g.meta.SameStat(m) {
				g.votes++
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, &group{meta: m, votes: 1})
		}
	}

	var best *group
	for _, g := range groups {
		if best == nil || g.votes > best.votes ||
			(g.votes == best.votes && g.meta.Stat.ModTime.After(best.meta.Stat.ModTime)) {
			best = g
		}
	}
	return best.meta
}

// WriteChunks writes chunk i to disk distribution[i] of the set. The result
// holds one entry per chunk: nil on success. Nil chunks are not written and
// report nil.
func (c *Coordinator) WriteChunks(ctx context.Context, setIndex int, objPath string, chunks [][]byte, distribution []int) ([]error, error) {
	return c.chunkIO(ctx, setIndex, distribution, len(chunks), func(i int, path string) error {
		if chunks[i] == nil {
			return nil
		}
		if err := c.checkSpace(path, len(chunks[i])); err != nil {
			return err
		}
		return layout.WriteChunk(path, objPath, i, chunks[i])
	})
}

func (c *Coordinator) checkSpace(path string, size int) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.CheckBeforeWrite(path, uint64(size))
}

// ReadChunks reads every chunk from its disk. Missing or unreadable chunks
// are nil in the result and carry their error in the second slice.
func (c *Coordinator) ReadChunks(ctx context.Context, setIndex int, objPath string, distribution []int) ([][]byte, []error, error) {
	chunks := make([][]byte, len(distribution))
	errs, err := c.chunkIO(ctx, setIndex, distribution, len(distribution), func(i int, path string) error {
		data, err := layout.ReadChunk(path, objPath, i)
		if err != nil {
			return err
		}
		chunks[i] = data
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return chunks, errs, nil
}

func (c *Coordinator) chunkIO(ctx context.Context, setIndex int, distribution []int, n int, fn func(i int, path string) error) ([]error, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return nil, err
	}
	if len(distribution) != n {
		return nil, errors.InvalidArgument(fmt.Sprintf("distribution has %d entries for %d chunks", len(distribution), n), nil)
	}
	for _, slot := range distribution {
		if slot < 0 || slot >= len(s.paths) {
			return nil, errors.InvalidArgument(fmt.Sprintf("disk slot %d out of range [0,%d)", slot, len(s.paths)), nil)
		}
	}

	errs := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		slot := distribution[i]
		if !s.online[slot] {
			errs[i] = ErrDiskOffline
			continue
		}
		i := i
		path := s.paths[slot]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(i, path)
			return nil
		})
	}
	_ = g.Wait()
	return errs, nil
}

// DeleteObject removes the object directory from every online disk of the
// set. A disk that no longer has the object counts as a success.
func (c *Coordinator) DeleteObject(ctx context.Context, setIndex int, objPath string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveQuorumOp("delete_object", start, err) }()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return err
	}

	errs := c.forEachOnline(ctx, s, func(disk int, path string) error {
		return layout.RemoveObject(path, objPath)
	})
	c.logDiskErrors("delete_object", setIndex, s, errs)

	if !IsQuorumReached(countSuccess(errs), len(s.paths)) {
		return quorumError("delete object", errs, Quorum(len(s.paths)))
	}
	return nil
}

// MarkOffline excludes a disk from all further operations
func (c *Coordinator) MarkOffline(setIndex, diskIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.set(setIndex)
	if err != nil {
		return err
	}
	if diskIndex < 0 || diskIndex >= len(s.online) {
		return errors.InvalidArgument(fmt.Sprintf("disk index %d out of range [0,%d)", diskIndex, len(s.online)), nil)
	}
	if s.online[diskIndex] {
		s.online[diskIndex] = false
		c.logger.Warn("Disk marked offline",
			zap.Int("set", setIndex),
			zap.Int("disk", diskIndex),
			zap.String("path", s.paths[diskIndex]))
	}
	c.metrics.SetOnlineDisks(strconv.Itoa(setIndex), s.onlineCount())
	return nil
}

// MarkOnline brings a disk back after checking that its path still holds
// the format of that cell.
func (c *Coordinator) MarkOnline(setIndex, diskIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.InvalidArgument("coordinator is closed", nil)
	}
	s, err := c.set(setIndex)
	if err != nil {
		return err
	}
	if diskIndex < 0 || diskIndex >= len(s.online) {
		return errors.InvalidArgument(fmt.Sprintf("disk index %d out of range [0,%d)", diskIndex, len(s.online)), nil)
	}
	path := s.paths[diskIndex]
	if path == "" {
		return errors.NotFound(fmt.Sprintf("no path known for disk %s", s.uuids[diskIndex]), nil)
	}

	f, err := format.Load(path)
	if err != nil {
		return err
	}
	if f.ID != c.format.ID || f.XL.This != s.uuids[diskIndex] {
		return errors.InvalidArgument(fmt.Sprintf("disk at %s is no longer %s", path, s.uuids[diskIndex]), nil)
	}

	s.online[diskIndex] = true
	c.metrics.SetOnlineDisks(strconv.Itoa(setIndex), s.onlineCount())
	c.logger.Info("Disk marked online",
		zap.Int("set", setIndex),
		zap.Int("disk", diskIndex),
		zap.String("path", path))
	return nil
}

// OnlineCount returns the number of online disks in a set
func (c *Coordinator) OnlineCount(setIndex int) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.set(setIndex)
	if err != nil {
		return 0, err
	}
	return s.onlineCount(), nil
}

func (c *Coordinator) SetCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets)
}

// DeploymentID returns the cluster's deployment id
func (c *Coordinator) DeploymentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format.ID
}

// Format returns a copy of the cluster format
func (c *Coordinator) Format() *format.Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format.Clone()
}

// Topology returns a copy of the current topology
func (c *Coordinator) Topology() *topology.Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology.Clone()
}

// SaveTopology persists the in-memory topology to every online disk and
// requires a majority of all disks to succeed.
func (c *Coordinator) SaveTopology(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveTopologyLocked(ctx)
}

// UpdateTopology applies fn to the topology and persists the result. The
// in-memory topology only changes when fn succeeds.
func (c *Coordinator) UpdateTopology(ctx context.Context, fn func(t *topology.Topology) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.topology.Clone()
	if err := fn(next); err != nil {
		return err
	}
	c.topology = next
	return c.saveTopologyLocked(ctx)
}

func (c *Coordinator) saveTopologyLocked(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveQuorumOp("save_topology", start, err) }()

	total, successes := 0, 0
	for i := range c.sets {
		s := &c.sets[i]
		total += len(s.paths)
		errs := c.forEachOnline(ctx, s, func(disk int, path string) error {
			return topology.Save(path, c.topology)
		})
		c.logDiskErrors("save_topology", i, s, errs)
		successes += countSuccess(errs)
	}

	if !IsQuorumReached(successes, total) {
		return errors.QuorumNotMet("save topology", successes, Quorum(total))
	}
	return nil
}

// Close marks every disk offline. Later quorum operations fail.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.sets {
		for j := range c.sets[i].online {
			c.sets[i].online[j] = false
		}
		c.metrics.SetOnlineDisks(strconv.Itoa(i), 0)
	}
	c.closed = true
	c.logger.Info("Coordinator closed")
	return nil
}
