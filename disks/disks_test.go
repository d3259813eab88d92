package disks_test

import (
	"testing"

	"github.com/nufs-fs/nufs/disks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfile(t *testing.T) {
	profile, err := disks.ProfileBySlug(disks.DefaultProfileSlug)
	require.NoError(t, err)

	assert.EqualValues(t, 4096, profile.BlockSize)
	assert.EqualValues(t, 256, profile.BlockCount)
	assert.EqualValues(t, 1048576, profile.TotalSizeBytes())
	assert.EqualValues(t, 28, profile.MetadataBlocks)
	assert.EqualValues(t, 128, profile.MaxFiles)
}

func TestUnknownProfile(t *testing.T) {
	_, err := disks.ProfileBySlug("zx-microdrive")
	assert.Error(t, err)
	assert.Contains(t, disks.Slugs(), disks.DefaultProfileSlug)
}
