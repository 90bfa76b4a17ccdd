// Package service stores and retrieves whole objects on top of the
// multi-disk coordinator: placement, inline payloads, erasure coding, chunk
// checksums and repair.
package service

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/erasure"
	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/metrics"
	"github.com/devrev/buckets/internal/model"
	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/util"
	"github.com/devrev/buckets/internal/validation"
)

// Config holds the coding parameters for new objects
type Config struct {
	DataChunks   int
	ParityChunks int
	// Objects smaller than InlineThreshold are stored inside xl.meta. Empty
	// objects are always inlined.
	InlineThreshold int
	Validator       *validation.Validator
}

// PutOptions carries optional attributes of a new object
type PutOptions struct {
	ContentType string
	UserDefined map[string]string
	// ModTime defaults to the current time
	ModTime time.Time
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Bucket      string            `json:"bucket"`
	Object      string            `json:"object"`
	Size        int64             `json:"size"`
	ModTime     time.Time         `json:"mod_time"`
	ContentType string            `json:"content_type,omitempty"`
	ETag        string            `json:"etag,omitempty"`
	UserDefined map[string]string `json:"user_defined,omitempty"`
	Inline      bool              `json:"inline"`
	Set         int               `json:"set"`
}

// HealResult reports what HealObject repaired
type HealResult struct {
	MetaHealed     int   `json:"meta_healed"`
	ChunksHealed   []int `json:"chunks_healed,omitempty"`
	ChunksFailed   []int `json:"chunks_failed,omitempty"`
	ChunksUnhealed []int `json:"chunks_unhealed,omitempty"`
}

// ObjectService reads and writes objects through a Coordinator
type ObjectService struct {
	coord     *multidisk.Coordinator
	cfg       Config
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	codecs map[[2]int]*erasure.Codec

	onDegraded func(bucket, object string)
}

// NewObjectService creates an object service. The coding parameters must
// fill exactly one erasure set.
func NewObjectService(coord *multidisk.Coordinator, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*ObjectService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if coord == nil {
		return nil, errors.InvalidConfig("coordinator is required")
	}
	if dps := coord.Format().DisksPerSet(); cfg.DataChunks+cfg.ParityChunks != dps {
		return nil, errors.InvalidConfig(fmt.Sprintf("data %d + parity %d chunks do not match %d disks per set",
			cfg.DataChunks, cfg.ParityChunks, dps))
	}
	if cfg.InlineThreshold < 0 {
		return nil, errors.InvalidConfig("inline threshold must not be negative")
	}

	s := &ObjectService{
		coord:     coord,
		cfg:       cfg,
		validator: cfg.Validator,
		metrics:   m,
		logger:    logger,
		codecs:    make(map[[2]int]*erasure.Codec),
	}
	if s.validator == nil {
		s.validator = validation.NewValidator()
	}
	// Fail early on unusable parameters
	if _, err := s.codec(cfg.DataChunks, cfg.ParityChunks); err != nil {
		return nil, err
	}
	return s, nil
}

// codec returns the cached codec for (k, m). Objects written with other
// parameters stay readable after a configuration change.
func (s *ObjectService) codec(k, m int) (*erasure.Codec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int{k, m}
	if c, ok := s.codecs[key]; ok {
		return c, nil
	}
	c, err := erasure.New(k, m)
	if err != nil {
		return nil, err
	}
	s.codecs[key] = c
	return c, nil
}

// locate returns the erasure set and disk-relative path of an object
func (s *ObjectService) locate(bucket, object string) (int, string) {
	id := s.coord.DeploymentID()
	key := bucket + "/" + object
	return layout.SetIndex(id, key, s.coord.SetCount()), layout.ObjectPath(id, bucket, object)
}

// chunkWriteQuorum is the number of chunk files a put must write: k, or
// k+1 when k == m so that two halves of a set cannot both succeed.
func chunkWriteQuorum(k, m int) int {
	if k == m {
		return k + 1
	}
	return k
}

// PutObject stores data under bucket/object, replacing any previous version
func (s *ObjectService) PutObject(ctx context.Context, bucket, object string, data []byte, opts PutOptions) (info *ObjectInfo, err error) {
	defer func() { s.metrics.ObjectOp("put", len(data), err) }()

	if err := s.validator.ValidatePut(bucket, object, int64(len(data)), opts.UserDefined); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	setIndex, objPath := s.locate(bucket, object)

	meta := model.NewObjectMetadata(int64(len(data)), modTime)
	meta.ContentType = opts.ContentType
	meta.ETag = etag(data)
	for k, v := range opts.UserDefined {
		meta.UserDefined[k] = v
	}

	if len(data) < s.cfg.InlineThreshold || len(data) == 0 {
		meta.Inline = append([]byte{}, data...)
	} else {
		erasureInfo, err := s.writeChunks(ctx, setIndex, objPath, bucket+"/"+object, data)
		if err != nil {
			return nil, err
		}
		meta.Erasure = erasureInfo
	}

	if err := s.coord.WriteXLMeta(ctx, setIndex, objPath, meta); err != nil {
		s.logger.Error("Failed to write object metadata",
			zap.String("bucket", bucket),
			zap.String("object", object),
			zap.Int("set", setIndex),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Object stored",
		zap.String("bucket", bucket),
		zap.String("object", object),
		zap.Int("size", len(data)),
		zap.Bool("inline", meta.IsInline()),
		zap.Int("set", setIndex))

	return objectInfo(bucket, object, setIndex, meta), nil
}

// writeChunks encodes data and writes every chunk to its disk
func (s *ObjectService) writeChunks(ctx context.Context, setIndex int, objPath, key string, data []byte) (*model.ErasureInfo, error) {
	k, m := s.cfg.DataChunks, s.cfg.ParityChunks
	codec, err := s.codec(k, m)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	chunkSize := erasure.ChunkSize(len(data), k)
	chunks, err := codec.Encode(data, chunkSize)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveEncode(start)

	dist := layout.Distribution(key, k+m)
	info := model.NewErasureInfo(k, m, int64(chunkSize), setIndex, dist)
	for i, chunk := range chunks {
		info.Checksums[i].Hash = util.Digest32(chunk)
	}

	errs, err := s.coord.WriteChunks(ctx, setIndex, objPath, chunks, dist)
	if err != nil {
		return nil, err
	}
	written := 0
	for i, werr := range errs {
		if werr == nil {
			written++
			continue
		}
		if !stderrors.Is(werr, multidisk.ErrDiskOffline) {
			s.logger.Warn("Chunk write failed",
				zap.String("path", objPath),
				zap.Int("chunk", i),
				zap.Int("disk", dist[i]),
				zap.Error(werr))
		}
	}
	if required := chunkWriteQuorum(k, m); written < required {
		return nil, errors.QuorumNotMet("write chunks", written, required)
	}
	return info, nil
}

// GetObject returns the object's data and attributes. Chunks that are
// missing or fail their checksum are rebuilt from parity in memory but not
// repaired on disk.
func (s *ObjectService) GetObject(ctx context.Context, bucket, object string) (data []byte, info *ObjectInfo, err error) {
	defer func() { s.metrics.ObjectOp("get", len(data), err) }()

	if err := s.validateName(bucket, object); err != nil {
		return nil, nil, err
	}
	setIndex, objPath := s.locate(bucket, object)

	meta, err := s.coord.ReadXLMeta(ctx, setIndex, objPath)
	if err != nil {
		return nil, nil, err
	}
	info = objectInfo(bucket, object, setIndex, meta)

	if meta.IsInline() {
		return append([]byte{}, meta.Inline...), info, nil
	}

	chunks, _, err := s.readVerifiedChunks(ctx, setIndex, objPath, meta.Erasure)
	if err != nil {
		return nil, nil, err
	}

	codec, err := s.codec(meta.Erasure.Data, meta.Erasure.Parity)
	if err != nil {
		return nil, nil, err
	}
	missing := 0
	for _, c := range chunks {
		if c == nil {
			missing++
		}
	}

	start := time.Now()
	data, err = codec.Decode(chunks, int(meta.Erasure.BlockSize), int(meta.Stat.Size))
	if err != nil {
		s.logger.Error("Failed to decode object",
			zap.String("bucket", bucket),
			zap.String("object", object),
			zap.Int("missing_chunks", missing),
			zap.Error(err))
		return nil, nil, err
	}
	s.metrics.ObserveDecode(start, missing)
	if missing > 0 && s.onDegraded != nil {
		s.onDegraded(bucket, object)
	}

	return data, info, nil
}

// OnDegradedRead registers fn to be called after a read that had to
// rebuild chunks. It must be set before the service is shared.
func (s *ObjectService) OnDegradedRead(fn func(bucket, object string)) {
	s.onDegraded = fn
}

// readVerifiedChunks reads every chunk and drops the ones that are
// unreadable, the wrong size or fail their checksum. The second result
// lists chunks that live on an offline disk.
func (s *ObjectService) readVerifiedChunks(ctx context.Context, setIndex int, objPath string, e *model.ErasureInfo) ([][]byte, []bool, error) {
	chunks, errs, err := s.coord.ReadChunks(ctx, setIndex, objPath, e.Distribution)
	if err != nil {
		return nil, nil, err
	}

	offline := make([]bool, len(chunks))
	for i, chunk := range chunks {
		if errs[i] != nil {
			offline[i] = stderrors.Is(errs[i], multidisk.ErrDiskOffline)
			continue
		}
		if int64(len(chunk)) != e.BlockSize || !util.VerifyData(chunk, e.Checksums[i].Hash) {
			s.metrics.ChecksumMismatch()
			s.logger.Warn("Chunk checksum mismatch",
				zap.Error(errors.ChecksumMismatch(i, fmt.Sprintf("disk slot %d", e.Distribution[i]))),
				zap.String("path", objPath))
			chunks[i] = nil
		}
	}
	return chunks, offline, nil
}

// StatObject returns an object's attributes without reading its chunks
func (s *ObjectService) StatObject(ctx context.Context, bucket, object string) (*ObjectInfo, error) {
	if err := s.validateName(bucket, object); err != nil {
		return nil, err
	}
	setIndex, objPath := s.locate(bucket, object)

	meta, err := s.coord.ReadXLMeta(ctx, setIndex, objPath)
	if err != nil {
		return nil, err
	}
	return objectInfo(bucket, object, setIndex, meta), nil
}

// DeleteObject removes an object from every online disk of its set
func (s *ObjectService) DeleteObject(ctx context.Context, bucket, object string) (err error) {
	defer func() { s.metrics.ObjectOp("delete", 0, err) }()

	if err := s.validateName(bucket, object); err != nil {
		return err
	}
	setIndex, objPath := s.locate(bucket, object)
	return s.coord.DeleteObject(ctx, setIndex, objPath)
}

// HealObject repairs an object's metadata copies, then rebuilds chunks that
// are missing or corrupt on online disks and rewrites them.
func (s *ObjectService) HealObject(ctx context.Context, bucket, object string) (*HealResult, error) {
	if err := s.validateName(bucket, object); err != nil {
		return nil, err
	}
	setIndex, objPath := s.locate(bucket, object)

	healed, err := s.coord.HealXLMeta(ctx, setIndex, objPath)
	if err != nil {
		return nil, err
	}
	result := &HealResult{MetaHealed: healed}

	meta, err := s.coord.ReadXLMeta(ctx, setIndex, objPath)
	if err != nil {
		return result, err
	}
	if meta.IsInline() {
		return result, nil
	}
	e := meta.Erasure

	chunks, offline, err := s.readVerifiedChunks(ctx, setIndex, objPath, e)
	if err != nil {
		return result, err
	}

	var missing []int
	for i, chunk := range chunks {
		if chunk != nil {
			continue
		}
		if offline[i] {
			result.ChunksUnhealed = append(result.ChunksUnhealed, i)
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	codec, err := s.codec(e.Data, e.Parity)
	if err != nil {
		return result, err
	}
	if err := codec.Reconstruct(chunks, int(e.BlockSize), missing); err != nil {
		return result, err
	}
	s.metrics.ChunksReconstructed(len(missing))

	rebuilt := make([][]byte, len(chunks))
	for _, i := range missing {
		rebuilt[i] = chunks[i]
	}
	errs, err := s.coord.WriteChunks(ctx, setIndex, objPath, rebuilt, e.Distribution)
	if err != nil {
		return result, err
	}
	for _, i := range missing {
		if errs[i] != nil {
			result.ChunksFailed = append(result.ChunksFailed, i)
			s.logger.Warn("Failed to rewrite chunk",
				zap.String("bucket", bucket),
				zap.String("object", object),
				zap.Int("chunk", i),
				zap.Error(errs[i]))
			continue
		}
		result.ChunksHealed = append(result.ChunksHealed, i)
	}

	s.logger.Info("Object healed",
		zap.String("bucket", bucket),
		zap.String("object", object),
		zap.Int("meta_healed", result.MetaHealed),
		zap.Ints("chunks_healed", result.ChunksHealed))

	return result, nil
}

func (s *ObjectService) validateName(bucket, object string) error {
	if err := s.validator.ValidateBucketName(bucket); err != nil {
		return err
	}
	return s.validator.ValidateObjectName(object)
}

func objectInfo(bucket, object string, setIndex int, meta *model.ObjectMetadata) *ObjectInfo {
	info := &ObjectInfo{
		Bucket:      bucket,
		Object:      object,
		Size:        meta.Stat.Size,
		ModTime:     meta.Stat.ModTime,
		ContentType: meta.ContentType,
		ETag:        meta.ETag,
		Inline:      meta.IsInline(),
		Set:         setIndex,
	}
	if len(meta.UserDefined) > 0 {
		info.UserDefined = make(map[string]string, len(meta.UserDefined))
		for k, v := range meta.UserDefined {
			info.UserDefined[k] = v
		}
	}
	return info
}

// etag is the first 16 bytes of the object's BLAKE2b-256 digest
func etag(data []byte) string {
	sum := util.Digest32(data)
	return hex.EncodeToString(sum[:16])
}
