// Package imagestore acquires and caches the versioned dstack reference
// images that define expected measurement values for a release.
package imagestore

import (
	"errors"
	"fmt"
	"strings"
)

// Variant distinguishes the reference image flavors.
type Variant string

const (
	VariantStandard Variant = "standard"
	VariantNvidia   Variant = "nvidia"
)

// ErrMalformedImageName is returned when a folder name does not match any of
// the recognized dstack image naming patterns. This is a caller error, never
// silently mapped to a default image.
var ErrMalformedImageName = errors.New("imagestore: malformed image name")

// ImageName is the parsed identity of a reference image.
type ImageName struct {
	Variant Variant
	Dev     bool
	Version string
}

// Longest prefix first so "dstack-nvidia-dev-" is never consumed by "dstack-".
var namePatterns = []struct {
	prefix  string
	variant Variant
	dev     bool
}{
	{"dstack-nvidia-dev-", VariantNvidia, true},
	{"dstack-nvidia-", VariantNvidia, false},
	{"dstack-dev-", VariantStandard, true},
	{"dstack-", VariantStandard, false},
}

// ParseImageName parses a folder name like "dstack-0.5.3" or
// "dstack-nvidia-dev-0.5.3" into its variant, dev flag and version.
func ParseImageName(folderName string) (ImageName, error) {
	for _, p := range namePatterns {
		if strings.HasPrefix(folderName, p.prefix) {
			version := strings.TrimPrefix(folderName, p.prefix)
			if version == "" || strings.Contains(version, "/") {
				return ImageName{}, fmt.Errorf("%w: %q", ErrMalformedImageName, folderName)
			}
			return ImageName{Variant: p.variant, Dev: p.dev, Version: version}, nil
		}
	}
	return ImageName{}, fmt.Errorf("%w: %q", ErrMalformedImageName, folderName)
}

// FolderName reconstructs the canonical cache folder name.
func (n ImageName) FolderName() string {
	for _, p := range namePatterns {
		if p.variant == n.Variant && p.dev == n.Dev {
			return p.prefix + n.Version
		}
	}
	return ""
}

// DownloadURL derives the deterministic tarball URL for this image.
func (n ImageName) DownloadURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + n.FolderName() + ".tar.gz"
}
