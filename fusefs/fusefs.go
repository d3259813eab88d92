// Package fusefs binds the nufs core to the FUSE upcall bridge. The core is
// indexed by absolute path while the kernel speaks inode IDs, so this layer
// maintains the ID-to-path table; it is bridge-local state, rebuilt from
// lookups on every mount.
package fusefs

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nufs-fs/nufs"
	corefs "github.com/nufs-fs/nufs/fs"
	"github.com/sirupsen/logrus"
)

// cacheTTL bounds how long the kernel may cache entries and attributes. The
// image is owned by this one process, so short caching is safe.
const cacheTTL = time.Second

// FileSystem adapts the path-indexed core to fuseutil's inode-based surface.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	core *corefs.Filesystem

	mu       sync.Mutex
	pathByID map[fuseops.InodeID]string
	idByPath map[string]fuseops.InodeID
	nextID   fuseops.InodeID
}

// New wraps a mounted core. The root inode ID is bound to "/" up front; all
// other IDs are handed out as the kernel looks paths up.
func New(core *corefs.Filesystem) *FileSystem {
	return &FileSystem{
		core:     core,
		pathByID: map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		idByPath: map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextID:   fuseops.RootInodeID + 1,
	}
}

// Mount serves the filesystem at `mountpoint` until unmounted.
func Mount(mountpoint string, core *corefs.Filesystem, cfg *fuse.MountConfig) (*fuse.MountedFileSystem, error) {
	if cfg == nil {
		cfg = &fuse.MountConfig{}
	}
	if cfg.FSName == "" {
		cfg.FSName = "nufs"
	}
	server := fuseutil.NewFileSystemServer(New(core))
	return fuse.Mount(mountpoint, server, cfg)
}

////////////////////////////////////////////////////////////////////////
// ID table
////////////////////////////////////////////////////////////////////////

func (fsys *FileSystem) idForPath(path string) fuseops.InodeID {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if id, ok := fsys.idByPath[path]; ok {
		return id
	}
	id := fsys.nextID
	fsys.nextID++
	fsys.idByPath[path] = id
	fsys.pathByID[id] = path
	return id
}

func (fsys *FileSystem) pathForID(id fuseops.InodeID) (string, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	path, ok := fsys.pathByID[id]
	if !ok {
		logrus.Warnf("upcall for unknown inode ID %d", id)
		return "", syscall.ENOENT
	}
	return path, nil
}

func (fsys *FileSystem) forgetPath(path string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if id, ok := fsys.idByPath[path]; ok && id != fuseops.RootInodeID {
		delete(fsys.idByPath, path)
		delete(fsys.pathByID, id)
	}
}

func (fsys *FileSystem) repointPath(from, to string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if id, ok := fsys.idByPath[from]; ok {
		delete(fsys.idByPath, from)
		fsys.idByPath[to] = id
		fsys.pathByID[id] = to
	}
}

////////////////////////////////////////////////////////////////////////
// Conversions
////////////////////////////////////////////////////////////////////////

func attributesFromStat(stat nufs.FileStat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(stat.Size),
		Nlink: uint32(stat.Nlinks),
		Mode:  stat.ModeFlags,
		Atime: stat.LastAccessed,
		Mtime: stat.LastModified,
		Ctime: stat.LastChanged,
		Uid:   stat.Uid,
		Gid:   stat.Gid,
	}
}

// rawModeFromFileMode converts the kernel's os.FileMode into the stored
// POSIX mode word.
func rawModeFromFileMode(mode os.FileMode) uint32 {
	raw := uint32(mode.Perm())
	if mode.IsDir() {
		raw |= nufs.S_IFDIR
	} else if mode&os.ModeType == 0 {
		raw |= nufs.S_IFREG
	}
	return raw
}

// errno translates core errors to the errno values the bridge reports.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return nufs.ErrnoFromError(err)
}

func (fsys *FileSystem) childEntry(path string) (fuseops.ChildInodeEntry, error) {
	stat, err := fsys.core.GetAttr(path)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	return fuseops.ChildInodeEntry{
		Child:                fsys.idForPath(path),
		Attributes:           attributesFromStat(stat),
		AttributesExpiration: time.Now().Add(cacheTTL),
		EntryExpiration:      time.Now().Add(cacheTTL),
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Upcalls
////////////////////////////////////////////////////////////////////////

func (fsys *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	stat := fsys.core.StatFS()
	op.BlockSize = uint32(stat.BlockSize)
	op.Blocks = stat.TotalBlocks
	op.BlocksFree = stat.BlocksFree
	op.BlocksAvailable = stat.BlocksAvailable
	op.IoSize = uint32(stat.BlockSize)
	op.Inodes = stat.Files + stat.FilesFree
	op.InodesFree = stat.FilesFree
	return nil
}

func (fsys *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}

	entry, err := fsys.childEntry(corefs.JoinPath(parent, op.Name))
	if err != nil {
		return errno(err)
	}
	op.Entry = entry
	return nil
}

func (fsys *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	stat, err := fsys.core.GetAttr(path)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributesFromStat(stat)
	op.AttributesExpiration = time.Now().Add(cacheTTL)
	return nil
}

func (fsys *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil {
		// There is no truncate in this format.
		return syscall.ENOSYS
	}

	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	var perm *uint32
	if op.Mode != nil {
		p := uint32(op.Mode.Perm())
		perm = &p
	}
	if err := fsys.core.SetAttr(path, perm, op.Atime, op.Mtime); err != nil {
		return errno(err)
	}

	stat, err := fsys.core.GetAttr(path)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributesFromStat(stat)
	op.AttributesExpiration = time.Now().Add(cacheTTL)
	return nil
}

func (fsys *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if path, ok := fsys.pathByID[op.Inode]; ok && op.Inode != fuseops.RootInodeID {
		delete(fsys.pathByID, op.Inode)
		delete(fsys.idByPath, path)
	}
	return nil
}

func (fsys *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}
	path := corefs.JoinPath(parent, op.Name)

	if err := fsys.core.MkDir(path, rawModeFromFileMode(op.Mode)); err != nil {
		return errno(err)
	}

	entry, err := fsys.childEntry(path)
	if err != nil {
		return errno(err)
	}
	op.Entry = entry
	return nil
}

func (fsys *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}
	path := corefs.JoinPath(parent, op.Name)

	if err := fsys.core.MkNod(path, rawModeFromFileMode(op.Mode)); err != nil {
		return errno(err)
	}

	entry, err := fsys.childEntry(path)
	if err != nil {
		return errno(err)
	}
	op.Entry = entry
	return nil
}

func (fsys *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}
	path := corefs.JoinPath(parent, op.Name)

	if err := fsys.core.MkNod(path, rawModeFromFileMode(op.Mode)); err != nil {
		return errno(err)
	}

	entry, err := fsys.childEntry(path)
	if err != nil {
		return errno(err)
	}
	op.Entry = entry
	return nil
}

func (fsys *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, err := fsys.pathForID(op.OldParent)
	if err != nil {
		return errno(err)
	}
	newParent, err := fsys.pathForID(op.NewParent)
	if err != nil {
		return errno(err)
	}

	from := corefs.JoinPath(oldParent, op.OldName)
	to := corefs.JoinPath(newParent, op.NewName)

	if err := fsys.core.Rename(from, to); err != nil {
		return errno(err)
	}
	fsys.repointPath(from, to)
	return nil
}

func (fsys *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}
	path := corefs.JoinPath(parent, op.Name)

	if err := fsys.core.RmDir(path); err != nil {
		return errno(err)
	}
	fsys.forgetPath(path)
	return nil
}

func (fsys *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, err := fsys.pathForID(op.Parent)
	if err != nil {
		return errno(err)
	}
	path := corefs.JoinPath(parent, op.Name)

	if err := fsys.core.Unlink(path); err != nil {
		return errno(err)
	}
	fsys.forgetPath(path)
	return nil
}

func (fsys *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	stat, err := fsys.core.GetAttr(path)
	if err != nil {
		return errno(err)
	}
	if !stat.IsDir() {
		return syscall.ENOTDIR
	}
	return nil
}

func (fsys *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	entries, err := fsys.dirents(op.Inode, path)
	if err != nil {
		return errno(err)
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EINVAL
	}
	for _, entry := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], entry)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// dirents assembles the full entry list for a directory: "." and ".." first,
// then the direct children in table order.
func (fsys *FileSystem) dirents(id fuseops.InodeID, path string) ([]fuseutil.Dirent, error) {
	names, err := fsys.core.ReadDir(path)
	if err != nil {
		return nil, err
	}

	entries := make([]fuseutil.Dirent, 0, len(names))
	for _, name := range names {
		var entry fuseutil.Dirent
		switch name {
		case ".":
			entry = fuseutil.Dirent{Inode: id, Name: ".", Type: fuseutil.DT_Directory}
		case "..":
			entry = fuseutil.Dirent{
				Inode: fsys.idForPath(corefs.ParentPath(path)),
				Name:  "..",
				Type:  fuseutil.DT_Directory,
			}
		default:
			childPath := corefs.JoinPath(path, name)
			stat, err := fsys.core.GetAttr(childPath)
			if err != nil {
				return nil, err
			}
			entryType := fuseutil.DT_File
			if stat.IsDir() {
				entryType = fuseutil.DT_Directory
			}
			entry = fuseutil.Dirent{
				Inode: fsys.idForPath(childPath),
				Name:  name,
				Type:  entryType,
			}
		}
		entry.Offset = fuseops.DirOffset(len(entries) + 1)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (fsys *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fsys *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	stat, err := fsys.core.GetAttr(path)
	if err != nil {
		return errno(err)
	}
	if stat.IsDir() {
		return syscall.EISDIR
	}
	return nil
}

func (fsys *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	op.BytesRead, err = fsys.core.Read(path, op.Dst, op.Offset)
	return errno(err)
}

func (fsys *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	path, err := fsys.pathForID(op.Inode)
	if err != nil {
		return errno(err)
	}

	n, err := fsys.core.Write(path, op.Data, op.Offset)
	if err != nil {
		return errno(err)
	}
	if n < len(op.Data) {
		// The bridge has no short-write protocol.
		return syscall.ENOSPC
	}
	return nil
}

func (fsys *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(fsys.core.Device().Flush())
}

func (fsys *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return errno(fsys.core.Device().Flush())
}

func (fsys *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}
