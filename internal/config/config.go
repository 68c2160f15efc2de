// Package config parses the size strings and bit-count flags
// `cmd/dmsnapd` accepts, and an optional YAML config file as a
// generalization of the teacher's flag-only configuration
// (ehrlich-b-go-ublk/cmd/ublk-mem/main.go takes every setting on the
// command line; this server additionally accepts a config file since a
// real metadata-server deployment has more knobs than fit comfortably on
// one command line).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseSize parses a size string such as "64M", "1G", "512k" into a byte
// count. Accepted suffixes are k/K, m/M, g/G (binary, 1024-based);
// unsuffixed input is a plain byte count. Grounded on
// ehrlich-b-go-ublk/cmd/ublk-mem/main.go's parseSize, generalized to
// accept lowercase suffixes too (spec.md §6: "k/K/m/M/g/G").
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("config: empty size string")
	}

	var multiplier int64 = 1
	numStr := s
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1 << 10
		numStr = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1 << 20
		numStr = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1 << 30
		numStr = s[:len(s)-1]
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("config: negative size %q", s)
	}
	return num * multiplier, nil
}

// FormatSize renders a byte count for log and CLI output with one
// decimal place and a K/M/G/T suffix (e.g. "64.0M"), mirroring the
// teacher's formatSize. Its output is not ParseSize input: ParseSize
// accepts whole numbers only.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	suffixes := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f%s", float64(n)/float64(div), suffixes[exp])
}

// ValidateChunkBits checks that a chunk-size-in-bits value names a chunk
// size that is a positive power of two number of sectors and falls
// within a sane range (spec.md §6: "bit-counts require powers of two").
func ValidateChunkBits(chunkBits uint32) error {
	if chunkBits < 9 || chunkBits > 32 { // 1<<9 is one 512-byte sector
		return fmt.Errorf("config: chunk-bits %d out of range (9-32)", chunkBits)
	}
	return nil
}

// Server holds every setting `cmd/dmsnapd server` and `initialize` need,
// populated from flags and optionally merged with a YAML file.
type Server struct {
	OriginDev      string `yaml:"origin_dev"`
	SnapDev        string `yaml:"snap_dev"`
	MetaDev        string `yaml:"meta_dev"`
	Listen         string `yaml:"listen"`
	JournalSize    int64  `yaml:"journal_size"`
	MetaChunkBits  uint32 `yaml:"meta_chunk_bits"`
	SnapChunkBits  uint32 `yaml:"snap_chunk_bits"`
	LogLevel       string `yaml:"log_level"`
}

// LoadYAML merges settings from a YAML config file into c, field by
// field, only where c still holds its zero value. Matches the teacher's
// flags-first posture: a config file supplements flags, it never
// overrides a flag the user actually set. For this to see a real zero
// value on an unset flag, callers must register flags with empty/zero
// defaults and apply any final fallback (e.g. a default listen address)
// only after LoadYAML runs, the way cmd/dmsnapd does.
func LoadYAML(path string, c *Server) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file Server
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if c.OriginDev == "" {
		c.OriginDev = file.OriginDev
	}
	if c.SnapDev == "" {
		c.SnapDev = file.SnapDev
	}
	if c.MetaDev == "" {
		c.MetaDev = file.MetaDev
	}
	if c.Listen == "" {
		c.Listen = file.Listen
	}
	if c.JournalSize == 0 {
		c.JournalSize = file.JournalSize
	}
	if c.MetaChunkBits == 0 {
		c.MetaChunkBits = file.MetaChunkBits
	}
	if c.SnapChunkBits == 0 {
		c.SnapChunkBits = file.SnapChunkBits
	}
	if c.LogLevel == "" {
		c.LogLevel = file.LogLevel
	}
	return nil
}

// Validate checks a fully-populated Server config for the constraints
// spec.md §6 names explicitly.
func (c Server) Validate() error {
	if strings.TrimSpace(c.OriginDev) == "" {
		return fmt.Errorf("config: origin device is required")
	}
	if strings.TrimSpace(c.SnapDev) == "" {
		return fmt.Errorf("config: snapshot device is required")
	}
	if strings.TrimSpace(c.MetaDev) == "" {
		return fmt.Errorf("config: metadata device is required")
	}
	if err := ValidateChunkBits(c.MetaChunkBits); err != nil {
		return fmt.Errorf("config: meta_chunk_bits: %w", err)
	}
	if err := ValidateChunkBits(c.SnapChunkBits); err != nil {
		return fmt.Errorf("config: snap_chunk_bits: %w", err)
	}
	if c.MetaDev == c.SnapDev && c.MetaChunkBits != c.SnapChunkBits {
		return fmt.Errorf("config: meta_chunk_bits must equal snap_chunk_bits when meta_dev == snap_dev")
	}
	return nil
}
