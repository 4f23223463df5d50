package config

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default format-time option constants. See [FormatOptions] for field
// descriptions.
const (
	// DefaultBlockSize is 4 KiB, the common page-sized block.
	DefaultBlockSize = 4096

	// DefaultInodeCount bounds how many files and directories the volume
	// can ever hold; the inode table region is sized from it at format
	// time and never grows.
	DefaultInodeCount = 1024

	// MinBlockSize is the smallest supported block size.
	MinBlockSize = 512

	// MaxLabelLen is the longest volume label the superblock can store.
	MaxLabelLen = 32
)

// FormatOptions contains the knobs applied when formatting a volume.
// Everything here becomes part of the on-disk layout and cannot be
// changed after format.
type FormatOptions struct {
	BlockSize  uint32 // Bytes per block, power of two >= 512 (Default 4096)
	InodeCount uint32 // Inode table capacity fixed at format time (Default 1024)
	Label      string // Optional human-readable volume label, up to 32 bytes
}

// FormatOverride uses pointer fields to distinguish between unset and
// zero values when loading partial options from a file. See
// [FormatOptions] for field descriptions.
type FormatOverride struct {
	BlockSize  *uint32 `yaml:"block_size,omitempty" json:"block_size,omitempty"`
	InodeCount *uint32 `yaml:"inode_count,omitempty" json:"inode_count,omitempty"`
	Label      *string `yaml:"label,omitempty" json:"label,omitempty"`
}

// NewDefaultOptions creates FormatOptions with all default values.
func NewDefaultOptions() *FormatOptions {
	return &FormatOptions{
		BlockSize:  DefaultBlockSize,
		InodeCount: DefaultInodeCount,
	}
}

// Merge applies non-nil values from override onto these options.
func (o *FormatOptions) Merge(override *FormatOverride) {
	if override.BlockSize != nil {
		o.BlockSize = *override.BlockSize
	}
	if override.InodeCount != nil {
		o.InodeCount = *override.InodeCount
	}
	if override.Label != nil {
		o.Label = *override.Label
	}
}

// Validate rejects option combinations the on-disk format cannot express.
func (o *FormatOptions) Validate() error {
	if o.BlockSize < MinBlockSize || bits.OnesCount32(o.BlockSize) != 1 {
		return fmt.Errorf("block size %d must be a power of two >= %d", o.BlockSize, MinBlockSize)
	}
	if o.InodeCount == 0 {
		return fmt.Errorf("inode count must be positive")
	}
	if len(o.Label) > MaxLabelLen {
		return fmt.Errorf("label %q exceeds %d bytes", o.Label, MaxLabelLen)
	}
	return nil
}

// LoadOverrideFile loads format overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadOverrideFile(path string) (*FormatOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override FormatOverride

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown options file extension: %s", path)
	}

	return &override, nil
}

// NewOptionsFromFile creates FormatOptions by merging file overrides with
// defaults. Combines NewDefaultOptions, LoadOverrideFile, and Merge.
func NewOptionsFromFile(path string) (*FormatOptions, error) {
	opts := NewDefaultOptions()
	override, err := LoadOverrideFile(path)
	if err != nil {
		return nil, err
	}
	opts.Merge(override)
	return opts, nil
}
