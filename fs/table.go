// Package fs implements the nufs core: a fixed-capacity inode table indexed
// by absolute path, persisted in the reserved metadata blocks of the image,
// and the file operations the FUSE glue dispatches into.
package fs

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/noxer/bytewriter"
	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/blockdev"
	"github.com/sirupsen/logrus"
)

// RootMode is the mode word the root directory is bootstrapped with.
const RootMode = nufs.S_IFDIR | 0o755

// Filesystem owns the mapped image and the in-memory inode table for the
// lifetime of a mount. All public operations serialize behind its mutex, so
// the bridge may dispatch from multiple goroutines.
type Filesystem struct {
	dev   *blockdev.Device
	clock timeutil.Clock
	uid   uint32
	gid   uint32

	mu syncutil.InvariantMutex

	// inodes[0:count] are the inhabited slots, kept compacted at the front.
	//
	// INVARIANT: count <= MaxFiles
	// INVARIANT: every inhabited slot has a non-empty canonical path
	// INVARIANT: exactly one inhabited slot has path "/" and the dir bit
	// INVARIANT: every mapped block number is >= FirstDataBlock, has its
	//            bitmap bit set, and appears in at most one block map
	inodes [MaxFiles]Inode // GUARDED_BY(mu)
	count  int             // GUARDED_BY(mu)
}

// Mount loads the inode table from an already-opened device and bootstraps
// the root directory if the image has none. The filesystem takes ownership
// of the device; Close releases it.
func Mount(dev *blockdev.Device, clock timeutil.Clock) (*Filesystem, error) {
	fsys := &Filesystem{
		dev:   dev,
		clock: clock,
		uid:   uint32(os.Getuid()),
		gid:   uint32(os.Getgid()),
	}
	fsys.mu = syncutil.NewInvariantMutex(fsys.checkInvariants)

	if err := fsys.load(); err != nil {
		return nil, err
	}

	if fsys.lookup("/") < 0 {
		root := &fsys.inodes[fsys.count]
		*root = Inode{Path: "/", Mode: RootMode}
		root.Touch(clock.Now())
		fsys.count++

		if err := fsys.save(); err != nil {
			return nil, err
		}
		logrus.Infof("bootstrapped root directory in %q", dev.Path())
	}

	logrus.Debugf("mounted %q with %d inodes", dev.Path(), fsys.count)
	return fsys, nil
}

// Close flushes metadata and releases the device mapping.
func (fsys *Filesystem) Close() error {
	fsys.mu.Lock()
	err := fsys.save()
	fsys.mu.Unlock()
	if err != nil {
		fsys.dev.Close()
		return err
	}
	return fsys.dev.Close()
}

// Device exposes the underlying block device, mainly for fsck and tests.
func (fsys *Filesystem) Device() *blockdev.Device {
	return fsys.dev
}

// load reads the inode count from the header block and the packed records
// from the table blocks. The stored count is trusted, except that a count
// beyond the table capacity means the image is not a nufs image.
func (fsys *Filesystem) load() error {
	header, err := fsys.dev.GetBlock(blockdev.InodeHeaderBlock)
	if err != nil {
		return err
	}

	count := int(binary.LittleEndian.Uint32(header[:4]))
	if count > MaxFiles {
		return nufs.NewDriverErrorWithMessage(
			syscall.EIO, fmt.Sprintf("inode count %d exceeds capacity %d", count, MaxFiles))
	}

	fsys.inodes = [MaxFiles]Inode{}
	for i := 0; i < count; i++ {
		block, err := fsys.dev.GetBlock(blockdev.InodeTableBlock + i/InodesPerBlock)
		if err != nil {
			return err
		}
		inode, err := readInodeAt(block, i%InodesPerBlock)
		if err != nil {
			return err
		}
		fsys.inodes[i] = inode
	}
	fsys.count = count
	return nil
}

// save writes the inode count and the inhabited records back to the metadata
// blocks and synchronously flushes the mapping. Called after every mutation.
func (fsys *Filesystem) save() error {
	header, err := fsys.dev.GetBlock(blockdev.InodeHeaderBlock)
	if err != nil {
		return err
	}
	writer := bytewriter.New(header)
	if err := binary.Write(writer, binary.LittleEndian, uint32(fsys.count)); err != nil {
		return nufs.NewDriverErrorWithMessage(
			syscall.EIO, fmt.Sprintf("writing inode header: %s", err))
	}

	for i := 0; i < fsys.count; i++ {
		block, err := fsys.dev.GetBlock(blockdev.InodeTableBlock + i/InodesPerBlock)
		if err != nil {
			return err
		}
		if err := writeInodeAt(block, i%InodesPerBlock, &fsys.inodes[i]); err != nil {
			return err
		}
	}
	return fsys.dev.Flush()
}

// createInode appends a new inode with the given canonical path and mode.
// The caller holds the lock and has verified the path is not taken.
func (fsys *Filesystem) createInode(path string, mode uint32) (*Inode, error) {
	if fsys.count == MaxFiles {
		return nil, nufs.NewDriverErrorWithMessage(
			syscall.ENOSPC, fmt.Sprintf("inode table full (%d files)", MaxFiles))
	}

	inode := &fsys.inodes[fsys.count]
	*inode = Inode{Path: path, Mode: mode}
	inode.Touch(fsys.clock.Now())
	fsys.count++

	if err := fsys.save(); err != nil {
		return nil, err
	}
	return inode, nil
}

// removeInode frees the inode's blocks, compacts the table over the vacated
// slot, and flushes. The caller holds the lock.
func (fsys *Filesystem) removeInode(index int) error {
	inode := &fsys.inodes[index]
	for _, blockNum := range inode.Blocks {
		if err := fsys.dev.FreeBlock(int(blockNum)); err != nil {
			return err
		}
	}

	copy(fsys.inodes[index:], fsys.inodes[index+1:fsys.count])
	fsys.count--
	fsys.inodes[fsys.count] = Inode{}

	return fsys.save()
}

// addBlock allocates one more data block for the inode and appends it to the
// block map. The caller holds the lock and is responsible for flushing.
func (fsys *Filesystem) addBlock(inode *Inode) (int, error) {
	if len(inode.Blocks) == MaxBlocksPerFile {
		return -1, nufs.NewDriverErrorWithMessage(
			syscall.ENOSPC,
			fmt.Sprintf("%q already spans %d blocks", inode.Path, MaxBlocksPerFile))
	}

	blockNum, err := fsys.dev.AllocBlock()
	if err != nil {
		return -1, err
	}
	inode.Blocks = append(inode.Blocks, int32(blockNum))
	return blockNum, nil
}

// checkInvariants panics if the table violates its structural invariants.
// Wired into the mutex; runs on lock/unlock when invariant checking is
// enabled (tests do this via syncutil.EnableInvariantChecking).
func (fsys *Filesystem) checkInvariants() {
	if fsys.count > MaxFiles {
		panic(fmt.Sprintf("inode count %d exceeds %d", fsys.count, MaxFiles))
	}

	rootSeen := false
	blockOwners := make(map[int32]string)

	for i := 0; i < fsys.count; i++ {
		inode := &fsys.inodes[i]
		if inode.Path == "" {
			panic(fmt.Sprintf("inhabited slot %d has empty path", i))
		}
		if inode.Path == "/" {
			if rootSeen {
				panic("multiple root inodes")
			}
			if !inode.IsDir() {
				panic("root inode is not a directory")
			}
			rootSeen = true
		}

		for _, blockNum := range inode.Blocks {
			if blockNum < blockdev.FirstDataBlock {
				panic(fmt.Sprintf(
					"%q maps metadata block %d", inode.Path, blockNum))
			}
			if !fsys.dev.BlockInUse(int(blockNum)) {
				panic(fmt.Sprintf(
					"%q maps unallocated block %d", inode.Path, blockNum))
			}
			if owner, taken := blockOwners[blockNum]; taken {
				panic(fmt.Sprintf(
					"block %d mapped by both %q and %q", blockNum, owner, inode.Path))
			}
			blockOwners[blockNum] = inode.Path
		}
	}

	for i := fsys.count; i < MaxFiles; i++ {
		if fsys.inodes[i].Path != "" {
			panic(fmt.Sprintf("slot %d beyond count %d is inhabited", i, fsys.count))
		}
	}
}
