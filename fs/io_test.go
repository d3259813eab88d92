package fs_test

import (
	"bytes"
	"syscall"
	"testing"
	"time"

	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/blockdev"
	"github.com/nufs-fs/nufs/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadAcrossBlockBoundary(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/f", nufs.S_IFREG|0o644))

	payload := bytes.Repeat([]byte{'A'}, blockdev.BlockSize+1)
	n, err := fsys.Write("/f", payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	stat, err := fsys.GetAttr("/f")
	require.NoError(t, err)
	assert.EqualValues(t, blockdev.BlockSize+1, stat.Size)
	assert.EqualValues(t, 2, stat.NumBlocks)

	// The two bytes either side of the block boundary both read back.
	buf := make([]byte, 2)
	n, err = fsys.Read("/f", buf, blockdev.BlockSize-1)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, []byte("AA"), buf)
}

func TestWriteAtOffsetWithinBlock(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/f", nufs.S_IFREG|0o644))

	_, err := fsys.Write("/f", []byte("hello world"), 0)
	require.NoError(t, err)
	_, err = fsys.Write("/f", []byte("WORLD"), 6)
	require.NoError(t, err)

	buf := make([]byte, 11)
	n, err := fsys.Read("/f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD", string(buf[:n]))
}

func TestWriteAtLargeOffsetZeroFillsGap(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/f", nufs.S_IFREG|0o644))

	offset := int64(2*blockdev.BlockSize + 100)
	n, err := fsys.Write("/f", []byte("tail"), offset)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	stat, err := fsys.GetAttr("/f")
	require.NoError(t, err)
	assert.EqualValues(t, offset+4, stat.Size)
	assert.EqualValues(t, 3, stat.NumBlocks)

	// The intermediate blocks were allocated and read back as zeroes.
	buf := make([]byte, 64)
	n, err = fsys.Read("/f", buf, blockdev.BlockSize)
	require.NoError(t, err)
	require.Equal(t, 64, n)
	assert.Equal(t, make([]byte, 64), buf)

	n, err = fsys.Read("/f", buf[:4], offset)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(buf[:n]))
}

func TestReadPastEndReturnsZero(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/f", nufs.S_IFREG|0o644))
	_, err := fsys.Write("/f", []byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := fsys.Read("/f", buf, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A read straddling the end is clamped to the logical size.
	n, err = fsys.Read("/f", buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "bc", string(buf[:n]))
}

func TestReadWriteOnDirectory(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkDir("/d", 0o755))

	_, err := fsys.Write("/d", []byte("x"), 0)
	assert.ErrorIs(t, err, syscall.EISDIR)
	_, err = fsys.Read("/d", make([]byte, 1), 0)
	assert.ErrorIs(t, err, syscall.EISDIR)

	_, err = fsys.Write("/ghost", []byte("x"), 0)
	assert.ErrorIs(t, err, syscall.ENOENT)
	_, err = fsys.Read("/ghost", make([]byte, 1), 0)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestFileGrowsToMaximumThenENOSPC(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/big", nufs.S_IFREG|0o644))

	max := fs.MaxBlocksPerFile * blockdev.BlockSize
	payload := bytes.Repeat([]byte{'B'}, max)
	n, err := fsys.Write("/big", payload, 0)
	require.NoError(t, err)
	require.Equal(t, max, n)

	stat, err := fsys.GetAttr("/big")
	require.NoError(t, err)
	assert.EqualValues(t, max, stat.Size)
	assert.EqualValues(t, fs.MaxBlocksPerFile, stat.NumBlocks)

	// The block map is full: nothing more fits, and the size is unchanged.
	_, err = fsys.Write("/big", []byte{'B'}, int64(max))
	assert.ErrorIs(t, err, syscall.ENOSPC)

	stat, err = fsys.GetAttr("/big")
	require.NoError(t, err)
	assert.EqualValues(t, max, stat.Size)
}

func TestWriteSpanningBlockMapLimitIsShort(t *testing.T) {
	fsys, _ := mountTemp(t)
	require.NoError(t, fsys.MkNod("/big", nufs.S_IFREG|0o644))

	max := fs.MaxBlocksPerFile * blockdev.BlockSize
	payload := bytes.Repeat([]byte{'C'}, max+100)
	n, err := fsys.Write("/big", payload, 0)
	require.NoError(t, err, "partial success reports a short count, not an error")
	assert.Equal(t, max, n)

	stat, err := fsys.GetAttr("/big")
	require.NoError(t, err)
	assert.EqualValues(t, max, stat.Size)
}

func TestDeviceExhaustionAcrossFiles(t *testing.T) {
	fsys, _ := mountTemp(t)

	// Two files can't both take 128 blocks out of the 228 available: the
	// second write comes up short at 100 blocks.
	require.NoError(t, fsys.MkNod("/one", nufs.S_IFREG|0o644))
	require.NoError(t, fsys.MkNod("/two", nufs.S_IFREG|0o644))

	max := fs.MaxBlocksPerFile * blockdev.BlockSize
	_, err := fsys.Write("/one", bytes.Repeat([]byte{'x'}, max), 0)
	require.NoError(t, err)

	available := int(fsys.Device().FreeBlockCount()) * blockdev.BlockSize
	n, err := fsys.Write("/two", bytes.Repeat([]byte{'y'}, max), 0)
	require.NoError(t, err)
	assert.Equal(t, available, n)

	stat, err := fsys.GetAttr("/two")
	require.NoError(t, err)
	assert.EqualValues(t, available, stat.Size)
}

func TestReadUpdatesAtime(t *testing.T) {
	fsys, clock := mountTemp(t)
	require.NoError(t, fsys.MkNod("/f", nufs.S_IFREG|0o644))
	_, err := fsys.Write("/f", []byte("abc"), 0)
	require.NoError(t, err)

	clock.AdvanceTime(90 * time.Second)
	before, err := fsys.GetAttr("/f")
	require.NoError(t, err)

	_, err = fsys.Read("/f", make([]byte, 3), 0)
	require.NoError(t, err)

	after, err := fsys.GetAttr("/f")
	require.NoError(t, err)
	assert.True(t, after.LastAccessed.After(before.LastAccessed))
	assert.Equal(t, before.LastModified, after.LastModified)
}
