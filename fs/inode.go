package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"github.com/noxer/bytewriter"
	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/blockdev"
)

const (
	// MaxFiles is the capacity of the inode table.
	MaxFiles = 128
	// MaxBlocksPerFile bounds the inline block map, capping the logical file
	// size at MaxBlocksPerFile * blockdev.BlockSize bytes (512 KiB).
	MaxBlocksPerFile = 128
	// MaxPathLength is the longest storable path, one less than the path
	// buffer so the NUL terminator always fits.
	MaxPathLength = 255

	pathBufferSize = 256
)

// rawInode is the on-disk inode record. All fields are fixed-width and
// serialized little-endian, so images are portable across architectures.
type rawInode struct {
	Path       [pathBufferSize]byte
	Mode       uint32
	BlockCount uint32
	Size       uint64
	Blocks     [MaxBlocksPerFile]int32
	Atime      int64
	Mtime      int64
	Ctime      int64
}

// RawInodeSize is the serialized size of one inode record, in bytes.
const RawInodeSize = pathBufferSize + 4 + 4 + 8 + 4*MaxBlocksPerFile + 8 + 8 + 8

// InodesPerBlock gives how many whole records fit in one block. Records
// never straddle a block boundary.
const InodesPerBlock = blockdev.BlockSize / RawInodeSize

// Inode is the in-memory form of a file or directory record.
type Inode struct {
	// Path is the absolute, canonicalized path of the object; root is "/".
	Path string
	// Mode is the raw POSIX mode word, including the type bits.
	Mode uint32
	// Size is the logical length in bytes. Always 0 for directories.
	Size uint64
	// Blocks holds the numbers of the data blocks backing this file, in
	// logical order. len(Blocks) is the record's block count.
	Blocks []int32
	// Timestamps, in seconds since the epoch.
	Atime int64
	Mtime int64
	Ctime int64
}

func (inode *Inode) IsDir() bool {
	return nufs.ModeIsDir(inode.Mode)
}

// Touch stamps every timestamp with `now`, as done at creation.
func (inode *Inode) Touch(now time.Time) {
	sec := now.Unix()
	inode.Atime = sec
	inode.Mtime = sec
	inode.Ctime = sec
}

func inodeToRaw(inode *Inode) (rawInode, error) {
	var raw rawInode

	if len(inode.Path) > MaxPathLength {
		return raw, nufs.NewDriverErrorWithMessage(
			syscall.ENAMETOOLONG, fmt.Sprintf("path is %d bytes", len(inode.Path)))
	}
	if len(inode.Blocks) > MaxBlocksPerFile {
		return raw, nufs.NewDriverErrorWithMessage(
			syscall.EIO,
			fmt.Sprintf("inode %q has %d blocks", inode.Path, len(inode.Blocks)))
	}

	copy(raw.Path[:], inode.Path)
	raw.Mode = inode.Mode
	raw.BlockCount = uint32(len(inode.Blocks))
	raw.Size = inode.Size
	copy(raw.Blocks[:], inode.Blocks)
	raw.Atime = inode.Atime
	raw.Mtime = inode.Mtime
	raw.Ctime = inode.Ctime
	return raw, nil
}

func rawToInode(raw rawInode) Inode {
	pathLen := bytes.IndexByte(raw.Path[:], 0)
	if pathLen < 0 {
		pathLen = len(raw.Path)
	}

	blockCount := raw.BlockCount
	if blockCount > MaxBlocksPerFile {
		blockCount = MaxBlocksPerFile
	}

	return Inode{
		Path:   string(raw.Path[:pathLen]),
		Mode:   raw.Mode,
		Size:   raw.Size,
		Blocks: append([]int32(nil), raw.Blocks[:blockCount]...),
		Atime:  raw.Atime,
		Mtime:  raw.Mtime,
		Ctime:  raw.Ctime,
	}
}

// writeInodeAt serializes one record into `block` at the slot offset for
// index `slot` within that block.
func writeInodeAt(block []byte, slot int, inode *Inode) error {
	raw, err := inodeToRaw(inode)
	if err != nil {
		return err
	}

	writer := bytewriter.New(block[slot*RawInodeSize:])
	return binary.Write(writer, binary.LittleEndian, &raw)
}

// readInodeAt deserializes the record at slot `slot` of `block`.
func readInodeAt(block []byte, slot int) (Inode, error) {
	var raw rawInode

	reader := bytes.NewReader(block[slot*RawInodeSize:])
	if err := binary.Read(reader, binary.LittleEndian, &raw); err != nil {
		return Inode{}, nufs.NewDriverErrorWithMessage(
			syscall.EIO, fmt.Sprintf("decoding inode slot %d: %s", slot, err))
	}
	return rawToInode(raw), nil
}
