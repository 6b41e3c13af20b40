package imagestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"
)

// MetadataFile is the manifest every usable cached image must contain.
// Its presence (and validity) is the sole on-disk marker of "ready".
const MetadataFile = "metadata.json"

// Metadata is the reference build's manifest: the measurement expectations
// and the tool versions that produced the image.
type Metadata struct {
	MRTD       string `json:"mrtd"`
	RootFSHash string `json:"rootfs_hash,omitempty"`
	BIOS       string `json:"bios,omitempty"`
	Kernel     string `json:"kernel,omitempty"`
	Cmdline    string `json:"cmdline,omitempty"`
	Version    string `json:"version,omitempty"`
}

// metadataSchema rejects manifests that would later fail in confusing ways:
// mrtd must be present and be a 48-byte hex digest.
const metadataSchema = `{
	"type": "object",
	"required": ["mrtd"],
	"properties": {
		"mrtd":        {"type": "string", "pattern": "^(0x)?[0-9a-fA-F]{96}$"},
		"rootfs_hash": {"type": "string"},
		"bios":        {"type": "string"},
		"kernel":      {"type": "string"},
		"cmdline":     {"type": "string"},
		"version":     {"type": "string"}
	}
}`

var metadataSchemaLoader = gojsonschema.NewStringLoader(metadataSchema)

// loadMetadata reads and validates the manifest inside an image directory.
func loadMetadata(dir string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("imagestore: reading %s: %w", MetadataFile, err)
	}

	result, err := gojsonschema.Validate(metadataSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("imagestore: validating %s: %w", MetadataFile, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("imagestore: invalid %s: %v", MetadataFile, result.Errors())
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("imagestore: parsing %s: %w", MetadataFile, err)
	}
	return &md, nil
}
