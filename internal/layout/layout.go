// Package layout maps objects onto erasure sets and disk paths.
//
// Every object lives in its own directory, <disk>/<2 hex>/<16 hex>/, holding
// xl.meta and one part.<i> file per chunk. The directory name is a SipHash of
// "bucket/object" keyed by the deployment id, so the same object lands on the
// same path on every disk of a cluster and on different paths across clusters.
package layout

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/devrev/buckets/internal/erasure"
	"github.com/devrev/buckets/internal/storage/atomicio"
	"github.com/devrev/buckets/internal/util"
)

const (
	// SysDir holds cluster-wide metadata on every disk
	SysDir = ".buckets.sys"

	MetaFile = "xl.meta"

	partPrefix = "part."
)

// PartFile returns the file name for chunk i
func PartFile(i int) string {
	return fmt.Sprintf("%s%d", partPrefix, i)
}

// SysPath returns the location of a cluster metadata file on disk
func SysPath(disk, name string) string {
	return filepath.Join(disk, SysDir, name)
}

// hashKey derives the SipHash key from the deployment id. An id that does not
// parse yields the zero key.
func hashKey(deploymentID string) (k0, k1 uint64) {
	id, err := uuid.Parse(deploymentID)
	if err != nil {
		return 0, 0
	}
	return binary.LittleEndian.Uint64(id[0:8]), binary.LittleEndian.Uint64(id[8:16])
}

func sipHash(deploymentID, key string) uint64 {
	k0, k1 := hashKey(deploymentID)
	return siphash.Hash(k0, k1, []byte(key))
}

// ObjectPath returns the disk-relative directory of an object
func ObjectPath(deploymentID, bucket, object string) string {
	sum := fmt.Sprintf("%016x", sipHash(deploymentID, bucket+"/"+object))
	return filepath.Join(sum[:2], sum)
}

// SetIndex places an object on one of setCount erasure sets (SIPMOD)
func SetIndex(deploymentID, object string, setCount int) int {
	if setCount <= 0 {
		return -1
	}
	return int(sipHash(deploymentID, object) % uint64(setCount))
}

// Distribution returns the disk slot holding each chunk: chunk i is stored on
// disk Distribution(object, n)[i]. The order is a rotation starting at a
// CRC32-derived offset so data chunks of different objects spread across
// disks.
func Distribution(object string, n int) []int {
	if n <= 0 {
		return nil
	}
	start := int(util.ComputeChecksum([]byte(object)) % uint32(n))
	dist := make([]int, n)
	for i := range dist {
		dist[i] = (start + i) % n
	}
	return dist
}

// ChunkSize returns the per-chunk size for an object of objectSize bytes
func ChunkSize(objectSize int64, dataChunks int) int64 {
	return int64(erasure.ChunkSize(int(objectSize), dataChunks))
}

func objectDir(disk, objPath string) string {
	return filepath.Join(disk, objPath)
}

func WriteChunk(disk, objPath string, index int, data []byte) error {
	return atomicio.WriteFile(filepath.Join(objectDir(disk, objPath), PartFile(index)), data)
}

func ReadChunk(disk, objPath string, index int) ([]byte, error) {
	return atomicio.ReadFile(filepath.Join(objectDir(disk, objPath), PartFile(index)))
}

func WriteMeta(disk, objPath string, data []byte) error {
	return atomicio.WriteFile(filepath.Join(objectDir(disk, objPath), MetaFile), data)
}

func ReadMeta(disk, objPath string) ([]byte, error) {
	return atomicio.ReadFile(filepath.Join(objectDir(disk, objPath), MetaFile))
}

// RemoveObject deletes the object directory with its metadata and chunks
func RemoveObject(disk, objPath string) error {
	return atomicio.RemoveAll(objectDir(disk, objPath))
}
