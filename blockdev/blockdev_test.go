package blockdev_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/nufs-fs/nufs/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempDevice(t *testing.T) *blockdev.Device {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.img")
	dev, err := blockdev.Open(path)
	require.NoError(t, err, "couldn't create device")
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestOpenCreatesFullSizeImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.img")
	dev, err := blockdev.Open(path)
	require.NoError(t, err)
	defer dev.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, blockdev.ImageSize, info.Size())

	// Block 0 holds the bitmap and is marked allocated on a fresh image.
	assert.True(t, dev.BlockInUse(0))
}

func TestOpenExtendsShortImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.img")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0644))

	dev, err := blockdev.Open(path)
	require.NoError(t, err)
	defer dev.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, blockdev.ImageSize, info.Size())
}

func TestGetBlockBounds(t *testing.T) {
	dev := openTempDevice(t)

	block, err := dev.GetBlock(0)
	require.NoError(t, err)
	assert.Len(t, block, blockdev.BlockSize)

	_, err = dev.GetBlock(blockdev.BlockCount)
	assert.ErrorIs(t, err, syscall.EIO)
	_, err = dev.GetBlock(-1)
	assert.ErrorIs(t, err, syscall.EIO)
}

func TestAllocIsDeterministicAndZeroes(t *testing.T) {
	dev := openTempDevice(t)

	first, err := dev.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, blockdev.FirstDataBlock, first)

	second, err := dev.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, blockdev.FirstDataBlock+1, second)

	// Scribble on the first block, free it, and reallocate: the allocator
	// hands back the lowest free block, zero-filled.
	block, err := dev.GetBlock(first)
	require.NoError(t, err)
	copy(block, []byte("garbage"))

	require.NoError(t, dev.FreeBlock(first))
	again, err := dev.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	block, err = dev.GetBlock(again)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		assert.Zero(t, block[i], "allocated block not zeroed at %d", i)
	}
}

func TestFreeBlockValidation(t *testing.T) {
	dev := openTempDevice(t)

	// Metadata blocks can never be freed.
	assert.ErrorIs(t, dev.FreeBlock(0), syscall.EINVAL)
	assert.ErrorIs(t, dev.FreeBlock(blockdev.FirstDataBlock-1), syscall.EINVAL)
	assert.ErrorIs(t, dev.FreeBlock(blockdev.BlockCount), syscall.EINVAL)

	// Double-free is a soft warning, not an error.
	n, err := dev.AllocBlock()
	require.NoError(t, err)
	require.NoError(t, dev.FreeBlock(n))
	assert.NoError(t, dev.FreeBlock(n))
}

func TestAllocExhaustion(t *testing.T) {
	dev := openTempDevice(t)

	total := blockdev.BlockCount - blockdev.FirstDataBlock
	for i := 0; i < total; i++ {
		_, err := dev.AllocBlock()
		require.NoError(t, err, "allocation %d failed early", i)
	}
	assert.EqualValues(t, 0, dev.FreeBlockCount())

	_, err := dev.AllocBlock()
	assert.ErrorIs(t, err, syscall.ENOSPC)
}

func TestBitmapPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.img")

	dev, err := blockdev.Open(path)
	require.NoError(t, err)

	n, err := dev.AllocBlock()
	require.NoError(t, err)
	require.NoError(t, dev.Flush())
	require.NoError(t, dev.Close())

	dev, err = blockdev.Open(path)
	require.NoError(t, err)
	defer dev.Close()

	assert.True(t, dev.BlockInUse(0))
	assert.True(t, dev.BlockInUse(n))
	next, err := dev.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, n+1, next)
}

func TestBitmapNegativeIndexClamping(t *testing.T) {
	bits := make(blockdev.Bitmap, 4)
	assert.False(t, bits.Get(-1))
	bits.Set(-5, true) // must not panic
	bits.Set(3, true)
	assert.True(t, bits.Get(3))
	assert.Equal(t, "00010000", bits.String(8))
}
