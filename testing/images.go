package testing

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// TempImagePath returns a path for a disk image inside a per-test temp
// directory. The file itself is not created; the block device does that.
func TempImagePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nufs.img")
}

// LoadImage reads a disk image file fully into memory and returns a stream
// over the copy, for byte-level assertions about the on-disk layout.
//
//   - Writes to the stream do not affect the file.
//   - The stream's size is fixed to the image size; writing past the end
//     triggers an error.
func LoadImage(t *testing.T, path string, expectedSize int64) io.ReadWriteSeeker {
	t.Helper()

	imageBytes, err := os.ReadFile(path)
	require.NoError(t, err, "couldn't read image %q", path)
	require.EqualValues(
		t, expectedSize, len(imageBytes), "image %q is the wrong size", path)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}
