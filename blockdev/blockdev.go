// Package blockdev provides the memory-mapped block device backing a nufs
// image: a fixed-geometry view over a single 1 MiB file, plus the free-block
// bitmap that lives in block 0 of that file.
package blockdev

import (
	"fmt"
	"os"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/nufs-fs/nufs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the size of one block, in bytes.
	BlockSize = 4096
	// BlockCount is the total number of blocks in an image.
	BlockCount = 256
	// ImageSize is the exact size of a disk image file, in bytes.
	ImageSize = BlockCount * BlockSize

	// FirstDataBlock is the lowest block number the allocator will hand out.
	// Blocks 0..FirstDataBlock-1 are reserved for the free-block bitmap and
	// the inode table.
	FirstDataBlock = 28

	// InodeHeaderBlock holds the inode count; InodeTableBlock up to
	// FirstDataBlock-1 hold the packed inode records.
	InodeHeaderBlock = 1
	InodeTableBlock  = 2
)

// Device is a memory-mapped disk image. It owns the mapping and the backing
// file descriptor for the lifetime of the mount; block handles returned by
// GetBlock alias the mapping and must not outlive the device.
type Device struct {
	path    string
	file    *os.File
	mapping []byte
	bitmap  Bitmap
}

// Open maps the image file at `path` read-write, creating and zero-extending
// it to ImageSize if it is absent or the wrong size. On a freshly created
// image (previous size 0), block 0 is marked allocated in the bitmap;
// otherwise the on-disk metadata is trusted as-is.
func Open(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening image %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image %q: %w", path, err)
	}

	previousSize := info.Size()
	if previousSize != ImageSize {
		if err := file.Truncate(ImageSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("resizing image %q to %d bytes: %w", path, ImageSize, err)
		}
	}

	mapping, err := unix.Mmap(
		int(file.Fd()),
		0,
		ImageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mapping image %q: %w", path, err)
	}

	dev := &Device{
		path:    path,
		file:    file,
		mapping: mapping,
		bitmap:  Bitmap(mapping[:BlockCount/8]),
	}

	if previousSize == 0 {
		// Fresh image: the block holding the bitmap itself is always in use.
		dev.bitmap.Set(0, true)
	}
	return dev, nil
}

// Close unmaps the image and closes the backing file. Both must succeed for
// the device to be considered cleanly released.
func (dev *Device) Close() error {
	var result *multierror.Error

	if err := unix.Munmap(dev.mapping); err != nil {
		result = multierror.Append(result, fmt.Errorf("unmapping %q: %w", dev.path, err))
	}
	dev.mapping = nil
	dev.bitmap = nil

	if err := dev.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing %q: %w", dev.path, err))
	}
	return result.ErrorOrNil()
}

// Path returns the path of the backing image file.
func (dev *Device) Path() string {
	return dev.path
}

// GetBlock returns the byte region for block `n`. The slice aliases the
// mapping; writes to it hit the image directly. Out-of-range block numbers
// return an error with EIO, which callers treat as an I/O failure.
func (dev *Device) GetBlock(n int) ([]byte, error) {
	if n < 0 || n >= BlockCount {
		logrus.Errorf("block %d out of range [0, %d)", n, BlockCount)
		return nil, nufs.NewDriverErrorWithMessage(
			syscall.EIO, fmt.Sprintf("block %d out of range [0, %d)", n, BlockCount))
	}
	return dev.mapping[n*BlockSize : (n+1)*BlockSize], nil
}

// AllocBlock finds the lowest free block at or above FirstDataBlock, marks it
// allocated, zeroes its contents, and returns its number. When the image is
// full it returns an error with ENOSPC.
func (dev *Device) AllocBlock() (int, error) {
	for n := FirstDataBlock; n < BlockCount; n++ {
		if dev.bitmap.Get(n) {
			continue
		}
		dev.bitmap.Set(n, true)

		block, _ := dev.GetBlock(n)
		zeroFill(block)

		logrus.Debugf("allocated block %d", n)
		return n, nil
	}
	return -1, nufs.NewDriverErrorWithMessage(syscall.ENOSPC, "no free blocks")
}

// FreeBlock releases block `n`, clearing its bitmap bit and zeroing its
// contents. Freeing an already-free block is reported and ignored; block
// numbers outside the data region are an error.
func (dev *Device) FreeBlock(n int) error {
	if n < FirstDataBlock || n >= BlockCount {
		return nufs.NewDriverErrorWithMessage(
			syscall.EINVAL,
			fmt.Sprintf("block %d not in range [%d, %d)", n, FirstDataBlock, BlockCount))
	}
	if !dev.bitmap.Get(n) {
		logrus.Warnf("block %d is already free", n)
		return nil
	}

	dev.bitmap.Set(n, false)
	block, _ := dev.GetBlock(n)
	zeroFill(block)

	logrus.Debugf("freed block %d", n)
	return nil
}

// FreeBlockCount returns the number of unallocated data blocks.
func (dev *Device) FreeBlockCount() uint64 {
	free := uint64(0)
	for n := FirstDataBlock; n < BlockCount; n++ {
		if !dev.bitmap.Get(n) {
			free++
		}
	}
	return free
}

// BlockInUse reports whether block `n` has its bitmap bit set.
func (dev *Device) BlockInUse(n int) bool {
	return dev.bitmap.Get(n)
}

// BytesToBlocks returns the number of blocks needed to hold `n` bytes.
func BytesToBlocks(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize
}

// Flush synchronously writes the mapped region back to disk.
func (dev *Device) Flush() error {
	if err := unix.Msync(dev.mapping, unix.MS_SYNC); err != nil {
		return nufs.NewDriverErrorWithMessage(
			syscall.EIO, fmt.Sprintf("msync %q: %s", dev.path, err))
	}
	return nil
}

func zeroFill(block []byte) {
	for i := range block {
		block[i] = 0
	}
}
