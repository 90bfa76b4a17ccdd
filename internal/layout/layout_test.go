package layout

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/buckets/internal/errors"
)

var objectPathPattern = regexp.MustCompile(`^[0-9a-f]{2}/[0-9a-f]{16}$`)

func TestObjectPath(t *testing.T) {
	id := uuid.NewString()

	p := ObjectPath(id, "photos", "2024/cat.jpg")
	assert.Regexp(t, objectPathPattern, filepath.ToSlash(p))

	parts := strings.Split(filepath.ToSlash(p), "/")
	assert.Equal(t, parts[1][:2], parts[0])

	assert.Equal(t, p, ObjectPath(id, "photos", "2024/cat.jpg"), "deterministic")
	assert.NotEqual(t, p, ObjectPath(id, "photos", "2024/dog.jpg"))
	assert.NotEqual(t, p, ObjectPath(id, "photos2", "2024/cat.jpg"))
	assert.NotEqual(t, p, ObjectPath(uuid.NewString(), "photos", "2024/cat.jpg"), "keyed by deployment")

	// Unparseable ids fall back to the zero key
	assert.Equal(t, ObjectPath("bogus", "b", "o"), ObjectPath("", "b", "o"))
	assert.Equal(t, ObjectPath(uuid.Nil.String(), "b", "o"), ObjectPath("", "b", "o"))
}

func TestSetIndex(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, -1, SetIndex(id, "obj", 0))
	assert.Equal(t, 0, SetIndex(id, "obj", 1))

	seen := make(map[int]int)
	for i := 0; i < 1000; i++ {
		idx := SetIndex(id, fmt.Sprintf("object-%d", i), 4)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 4)
		seen[idx]++
	}
	assert.Len(t, seen, 4, "every set should receive objects")
	assert.Equal(t, SetIndex(id, "obj", 8), SetIndex(id, "obj", 8))
}

func TestDistribution(t *testing.T) {
	assert.Nil(t, Distribution("obj", 0))

	for _, n := range []int{1, 4, 6, 16, 32} {
		dist := Distribution("bucket/object", n)
		require.Len(t, dist, n)

		// A permutation of [0, n) where each slot follows the previous one
		seen := make([]bool, n)
		for i, d := range dist {
			require.False(t, seen[d])
			seen[d] = true
			if i > 0 {
				assert.Equal(t, (dist[i-1]+1)%n, d)
			}
		}
	}
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, int64(16), ChunkSize(14, 4))
	assert.Equal(t, int64(0), ChunkSize(14, 0))
	assert.Equal(t, int64(131072), ChunkSize(1<<20, 8))
}

func TestChunkAndMetaIO(t *testing.T) {
	disk := t.TempDir()
	objPath := ObjectPath(uuid.NewString(), "bucket", "key")

	require.NoError(t, WriteChunk(disk, objPath, 3, []byte("chunk three")))
	require.NoError(t, WriteMeta(disk, objPath, []byte(`{"version":"1.0.0"}`)))

	data, err := ReadChunk(disk, objPath, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk three"), data)

	meta, err := ReadMeta(disk, objPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.0.0"}`, string(meta))

	assert.FileExists(t, filepath.Join(disk, objPath, "part.3"))
	assert.FileExists(t, filepath.Join(disk, objPath, MetaFile))

	_, err = ReadChunk(disk, objPath, 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, RemoveObject(disk, objPath))
	_, err = ReadMeta(disk, objPath)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "part.0", PartFile(0))
	assert.Equal(t, "part.31", PartFile(31))
	assert.Equal(t, filepath.Join("/d1", ".buckets.sys", "format.json"), SysPath("/d1", "format.json"))
}
