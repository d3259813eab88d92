// Package nufs holds the types shared between the storage core and the FUSE
// glue: platform-independent stat structures and the errno-carrying error
// type every upcall returns.
package nufs

import (
	"os"
	"time"
)

// FileStat is a platform-independent form of [syscall.Stat_t], filled by the
// core's GetAttr and converted to bridge attributes by the glue.
type FileStat struct {
	Nlinks       uint64
	ModeFlags    os.FileMode
	Uid          uint32
	Gid          uint32
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	LastChanged  time.Time
	LastAccessed time.Time
	LastModified time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat *FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	// BlockSize is the size of a logical block on the file system, in bytes.
	BlockSize int64
	// TotalBlocks is the total number of blocks on the disk image.
	TotalBlocks uint64
	// BlocksFree is the number of unallocated blocks on the image.
	BlocksFree uint64
	// BlocksAvailable is the number of blocks available for use by user data.
	// This should always be less than or equal to BlocksFree.
	BlocksAvailable uint64
	// Files is the total number of used inode slots on the file system.
	Files uint64
	// FilesFree is the number of remaining inode slots available for use.
	FilesFree uint64
	// MaxNameLength is the longest possible name for a directory entry, in
	// bytes.
	MaxNameLength int64
}

// FileModeFromRaw converts a stored POSIX mode word into an [os.FileMode].
// Only the types this file system can store are mapped; anything else comes
// back as a plain permission-only mode.
func FileModeFromRaw(raw uint32) os.FileMode {
	mode := os.FileMode(raw & 0o777)
	if ModeIsDir(raw) {
		mode |= os.ModeDir
	}
	return mode
}
