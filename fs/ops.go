package fs

import (
	"fmt"
	"syscall"
	"time"

	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/blockdev"
	"github.com/sirupsen/logrus"
)

// Access reports whether the path exists. Permission bits are stored but not
// enforced, so any existing path passes any mask.
func (fsys *Filesystem) Access(path string, mask uint32) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}

	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	if fsys.lookup(path) < 0 {
		return nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	return nil
}

// GetAttr fills a stat structure from the inode for `path`.
func (fsys *Filesystem) GetAttr(path string) (nufs.FileStat, error) {
	path, err := Canonicalize(path)
	if err != nil {
		return nufs.FileStat{}, err
	}

	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	index := fsys.lookup(path)
	if index < 0 {
		return nufs.FileStat{}, nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}

	inode := &fsys.inodes[index]
	nlinks := uint64(1)
	if inode.IsDir() {
		nlinks = 2
	}

	return nufs.FileStat{
		Nlinks:       nlinks,
		ModeFlags:    nufs.FileModeFromRaw(inode.Mode),
		Uid:          fsys.uid,
		Gid:          fsys.gid,
		Size:         int64(inode.Size),
		BlockSize:    blockdev.BlockSize,
		NumBlocks:    blockdev.BytesToBlocks(int64(inode.Size)),
		LastAccessed: time.Unix(inode.Atime, 0),
		LastModified: time.Unix(inode.Mtime, 0),
		LastChanged:  time.Unix(inode.Ctime, 0),
	}, nil
}

// ReadDir lists a directory: "." and ".." first, then the basenames of the
// direct children in table order.
func (fsys *Filesystem) ReadDir(path string) ([]string, error) {
	path, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	index := fsys.lookup(path)
	if index < 0 {
		return nil, nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	if !fsys.inodes[index].IsDir() {
		return nil, nufs.NewDriverErrorWithMessage(syscall.ENOTDIR, path)
	}

	names := append([]string{".", ".."}, fsys.childrenOf(path)...)
	logrus.Debugf("readdir %q -> %d entries", path, len(names))
	return names, nil
}

// MkNod creates a regular-file inode. A mode word without type bits is
// substituted with S_IFREG|0644. No data block is allocated up front; blocks
// appear lazily on first write.
func (fsys *Filesystem) MkNod(path string, mode uint32) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}
	if !nufs.ModeHasTypeBits(mode) {
		mode = nufs.S_IFREG | 0o644
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fsys.lookup(path) >= 0 {
		return nufs.NewDriverErrorWithMessage(syscall.EEXIST, path)
	}

	_, err = fsys.createInode(path, mode)
	if err != nil {
		return err
	}
	logrus.Debugf("mknod %q mode %o", path, mode)
	return nil
}

// MkDir creates a directory inode with the directory type bit OR-ed in.
func (fsys *Filesystem) MkDir(path string, mode uint32) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fsys.lookup(path) >= 0 {
		return nufs.NewDriverErrorWithMessage(syscall.EEXIST, path)
	}

	_, err = fsys.createInode(path, mode|nufs.S_IFDIR)
	if err != nil {
		return err
	}
	logrus.Debugf("mkdir %q mode %o", path, mode)
	return nil
}

// Unlink removes a regular file, releasing its data blocks.
func (fsys *Filesystem) Unlink(path string) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(path)
	if index < 0 {
		return nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	if fsys.inodes[index].IsDir() {
		return nufs.NewDriverErrorWithMessage(syscall.EISDIR, path)
	}

	if err := fsys.removeInode(index); err != nil {
		return err
	}
	logrus.Debugf("unlink %q", path)
	return nil
}

// RmDir removes an empty directory. A path that exists but is not a
// directory reports ENOENT, matching rmdir's "no such directory" contract.
func (fsys *Filesystem) RmDir(path string) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(path)
	if index < 0 || !fsys.inodes[index].IsDir() {
		return nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}
	if path == "/" {
		return nufs.NewDriverErrorWithMessage(syscall.EBUSY, "cannot remove root")
	}
	if fsys.hasChildren(path) {
		return nufs.NewDriverErrorWithMessage(syscall.ENOTEMPTY, path)
	}

	if err := fsys.removeInode(index); err != nil {
		return err
	}
	logrus.Debugf("rmdir %q", path)
	return nil
}

// Rename points the source inode at the destination path. Children of a
// renamed directory keep their stored paths; the flat index treats them as
// orphaned, which mirrors the single-record rename this format defines.
func (fsys *Filesystem) Rename(from, to string) error {
	from, err := Canonicalize(from)
	if err != nil {
		return err
	}
	to, err = Canonicalize(to)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(from)
	if index < 0 {
		return nufs.NewDriverErrorWithMessage(syscall.ENOENT, from)
	}
	if fsys.lookup(to) >= 0 {
		return nufs.NewDriverErrorWithMessage(syscall.EEXIST, to)
	}

	inode := &fsys.inodes[index]
	inode.Path = to
	now := fsys.clock.Now().Unix()
	inode.Mtime = now
	inode.Ctime = now

	if err := fsys.save(); err != nil {
		return err
	}
	logrus.Debugf("rename %q -> %q", from, to)
	return nil
}

// SetAttr updates the stored permission bits and/or explicit timestamps.
// Size changes are refused: the upcall surface has no truncate.
func (fsys *Filesystem) SetAttr(path string, perm *uint32, atime, mtime *time.Time) error {
	path, err := Canonicalize(path)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	index := fsys.lookup(path)
	if index < 0 {
		return nufs.NewDriverErrorWithMessage(syscall.ENOENT, path)
	}

	inode := &fsys.inodes[index]
	if perm != nil {
		inode.Mode = (inode.Mode &^ 0o777) | (*perm & 0o777)
	}
	if atime != nil {
		inode.Atime = atime.Unix()
	}
	if mtime != nil {
		inode.Mtime = mtime.Unix()
	}
	inode.Ctime = fsys.clock.Now().Unix()

	return fsys.save()
}

// StatFS summarizes the image: fixed geometry plus current allocator state.
func (fsys *Filesystem) StatFS() nufs.FSStat {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	free := fsys.dev.FreeBlockCount()
	return nufs.FSStat{
		BlockSize:       blockdev.BlockSize,
		TotalBlocks:     blockdev.BlockCount,
		BlocksFree:      free,
		BlocksAvailable: free,
		Files:           uint64(fsys.count),
		FilesFree:       uint64(MaxFiles - fsys.count),
		MaxNameLength:   MaxPathLength,
	}
}

// TableDump returns a copy of the inhabited inode records, for fsck and
// debugging tools.
func (fsys *Filesystem) TableDump() []Inode {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	dump := make([]Inode, fsys.count)
	for i := range dump {
		dump[i] = fsys.inodes[i]
		dump[i].Blocks = append([]int32(nil), fsys.inodes[i].Blocks...)
	}
	return dump
}

// Verify re-runs the structural invariant checks and reports violations as
// errors instead of panicking. Used by fsck.
func (fsys *Filesystem) Verify() []error {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	var problems []error
	report := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if fsys.lookup("/") < 0 {
		report("no root inode")
	}

	blockOwners := make(map[int32]string)
	for i := 0; i < fsys.count; i++ {
		inode := &fsys.inodes[i]
		if inode.Path == "" {
			report("inhabited slot %d has an empty path", i)
			continue
		}
		if inode.IsDir() && (inode.Size != 0 || len(inode.Blocks) != 0) {
			report("directory %q has size %d and %d blocks",
				inode.Path, inode.Size, len(inode.Blocks))
		}
		if !inode.IsDir() && inode.Size > uint64(len(inode.Blocks))*blockdev.BlockSize {
			report("%q has size %d but only %d blocks mapped",
				inode.Path, inode.Size, len(inode.Blocks))
		}
		for _, blockNum := range inode.Blocks {
			if blockNum < blockdev.FirstDataBlock || blockNum >= blockdev.BlockCount {
				report("%q maps out-of-range block %d", inode.Path, blockNum)
				continue
			}
			if !fsys.dev.BlockInUse(int(blockNum)) {
				report("%q maps unallocated block %d", inode.Path, blockNum)
			}
			if owner, taken := blockOwners[blockNum]; taken {
				report("block %d mapped by both %q and %q", blockNum, owner, inode.Path)
			}
			blockOwners[blockNum] = inode.Path
		}
	}
	return problems
}
