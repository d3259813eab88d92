// Package disks defines the image geometry profiles mkfs can format. The
// profile table is CSV so new layouts can be added without touching code.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// ImageProfile describes one supported disk-image layout.
type ImageProfile struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// BlockSize is the size of one block, in bytes.
	BlockSize int64 `csv:"block_size"`
	// BlockCount is the total number of blocks in the image.
	BlockCount int64 `csv:"block_count"`
	// MetadataBlocks is how many leading blocks are reserved for the bitmap
	// and inode table; data allocation starts right after them.
	MetadataBlocks int64 `csv:"metadata_blocks"`
	// MaxFiles is the inode table capacity.
	MaxFiles int64 `csv:"max_files"`
	Notes    string `csv:"notes"`
}

// TotalSizeBytes gives the exact size of an image file with this profile.
func (p *ImageProfile) TotalSizeBytes() int64 {
	return p.BlockSize * p.BlockCount
}

//go:embed profiles.csv
var profilesRawCSV string
var profiles = make(map[string]ImageProfile)

// DefaultProfileSlug names the layout mounts expect.
const DefaultProfileSlug = "nufs-1m"

// ProfileBySlug returns a predefined image profile.
func ProfileBySlug(slug string) (ImageProfile, error) {
	profile, ok := profiles[slug]
	if ok {
		return profile, nil
	}
	return ImageProfile{}, fmt.Errorf("no predefined image profile exists with slug %q", slug)
}

// Slugs lists the defined profile slugs, for help text.
func Slugs() []string {
	slugs := make([]string, 0, len(profiles))
	for slug := range profiles {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	reader := strings.NewReader(profilesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row ImageProfile) error {
			if _, exists := profiles[row.Slug]; exists {
				return fmt.Errorf(
					"duplicate definition for profile %q found on row %d",
					row.Slug,
					len(profiles)+1,
				)
			}
			profiles[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
