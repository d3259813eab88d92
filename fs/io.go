package fs

import (
	"syscall"

	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/blockdev"
	"github.com/sirupsen/logrus"
)

// Write copies `data` into the file at `offset`, striping across the block
// map and growing it lazily. A write that runs the image (or the block map)
// out of space returns the bytes written so far, or ENOSPC if nothing fit.
func (fsys *Filesystem) Write(path string, data []byte, offset int64) (int, error) {
	path, err := Canonicalize(path)
	if err != nil {
		return 0, err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(path)
	if index < 0 {
		return 0, nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	inode := &fsys.inodes[index]
	if inode.IsDir() {
		return 0, nufs.NewDriverErrorWithMessage(syscall.EISDIR, path)
	}

	done := 0
	for done < len(data) {
		blockIndex := int((offset + int64(done)) / blockdev.BlockSize)
		blockOffset := int((offset + int64(done)) % blockdev.BlockSize)

		chunk := len(data) - done
		if chunk > blockdev.BlockSize-blockOffset {
			chunk = blockdev.BlockSize - blockOffset
		}

		// Grow the block map up to and including blockIndex. A write past
		// the current end allocates every intermediate block; alloc zeroing
		// keeps the skipped-over regions holding zeroes.
		ranOut := false
		for blockIndex >= len(inode.Blocks) {
			if _, err := fsys.addBlock(inode); err != nil {
				if nufs.ErrnoFromError(err) != syscall.ENOSPC {
					return done, err
				}
				ranOut = true
				break
			}
		}
		if ranOut {
			break
		}

		block, err := fsys.dev.GetBlock(int(inode.Blocks[blockIndex]))
		if err != nil {
			return done, err
		}
		copy(block[blockOffset:], data[done:done+chunk])
		done += chunk
	}

	if uint64(offset)+uint64(done) > inode.Size {
		inode.Size = uint64(offset) + uint64(done)
	}
	now := fsys.clock.Now().Unix()
	inode.Mtime = now
	inode.Ctime = now

	if err := fsys.save(); err != nil {
		return done, err
	}

	if done < len(data) {
		logrus.Warnf("short write to %q: %d of %d bytes", path, done, len(data))
		if done == 0 {
			return 0, nufs.NewDriverErrorWithMessage(syscall.ENOSPC, path)
		}
	}
	return done, nil
}

// Read copies up to len(dst) bytes from the file at `offset` into `dst`. A
// read past the end of the logical size returns 0; a block map that ends
// mid-file yields a short read.
func (fsys *Filesystem) Read(path string, dst []byte, offset int64) (int, error) {
	path, err := Canonicalize(path)
	if err != nil {
		return 0, err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(path)
	if index < 0 {
		return 0, nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	inode := &fsys.inodes[index]
	if inode.IsDir() {
		return 0, nufs.NewDriverErrorWithMessage(syscall.EISDIR, path)
	}

	if offset < 0 || uint64(offset) >= inode.Size {
		return 0, nil
	}

	size := len(dst)
	if remaining := inode.Size - uint64(offset); uint64(size) > remaining {
		size = int(remaining)
	}

	done := 0
	for done < size {
		blockIndex := int((offset + int64(done)) / blockdev.BlockSize)
		blockOffset := int((offset + int64(done)) % blockdev.BlockSize)

		if blockIndex >= len(inode.Blocks) {
			break
		}

		chunk := size - done
		if chunk > blockdev.BlockSize-blockOffset {
			chunk = blockdev.BlockSize - blockOffset
		}

		block, err := fsys.dev.GetBlock(int(inode.Blocks[blockIndex]))
		if err != nil {
			return done, err
		}
		copy(dst[done:done+chunk], block[blockOffset:blockOffset+chunk])
		done += chunk
	}

	inode.Atime = fsys.clock.Now().Unix()
	if err := fsys.save(); err != nil {
		return done, err
	}
	return done, nil
}
