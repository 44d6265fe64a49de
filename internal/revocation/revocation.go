// Package revocation maintains the set of revoked KSVs consulted during
// authentication. Lists load from inline values, YAML or TOML files and
// HDCP 1.x System Renewability Messages.
package revocation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// ErrInvalidEntry indicates a revocation entry that is not a valid KSV.
var ErrInvalidEntry = errors.New("invalid revocation entry")

// List is a thread-safe set of revoked KSVs.
type List struct {
	mu  sync.RWMutex
	set map[hdcp.Ksv]struct{}
}

// New returns a List holding ksvs.
func New(ksvs ...hdcp.Ksv) *List {
	l := &List{set: make(map[hdcp.Ksv]struct{}, len(ksvs))}
	for _, k := range ksvs {
		l.set[k] = struct{}{}
	}
	return l
}

// IsRevoked reports whether k is on the list.
func (l *List) IsRevoked(k hdcp.Ksv) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.set[k]
	return ok
}

// Add revokes additional KSVs.
func (l *List) Add(ksvs ...hdcp.Ksv) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range ksvs {
		l.set[k] = struct{}{}
	}
}

// Replace swaps the whole list atomically.
func (l *List) Replace(ksvs []hdcp.Ksv) {
	set := make(map[hdcp.Ksv]struct{}, len(ksvs))
	for _, k := range ksvs {
		set[k] = struct{}{}
	}
	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
}

// Len returns the number of revoked KSVs.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.set)
}

// Ksvs returns the revoked KSVs in ascending order.
func (l *List) Ksvs() []hdcp.Ksv {
	l.mu.RLock()
	out := make([]hdcp.Ksv, 0, len(l.set))
	for k := range l.set {
		out = append(out, k)
	}
	l.mu.RUnlock()
	slices.Sort(out)
	return out
}

// -------------------------------------------------------------------------
// Sources
// -------------------------------------------------------------------------

// Sources names every place revoked KSVs are loaded from. Empty fields are
// skipped.
type Sources struct {
	Ksvs []string
	File string
	SRM  string
}

// Load reads all sources and returns the union of their KSVs.
func Load(src Sources) ([]hdcp.Ksv, error) {
	out, err := ParseKsvs(src.Ksvs)
	if err != nil {
		return nil, err
	}

	if src.File != "" {
		ksvs, err := LoadFile(src.File)
		if err != nil {
			return nil, err
		}
		out = append(out, ksvs...)
	}

	if src.SRM != "" {
		srm, err := LoadSRMFile(src.SRM)
		if err != nil {
			return nil, err
		}
		out = append(out, srm.Ksvs...)
	}

	slices.Sort(out)
	return slices.Compact(out), nil
}

// Reload replaces the list with the KSVs from src. The list is unchanged on
// error.
func (l *List) Reload(src Sources) error {
	ksvs, err := Load(src)
	if err != nil {
		return err
	}
	l.Replace(ksvs)
	return nil
}

// ParseKsvs parses hex KSV strings.
func ParseKsvs(values []string) ([]hdcp.Ksv, error) {
	out := make([]hdcp.Ksv, 0, len(values))
	for i, s := range values {
		k, err := hdcp.ParseKsv(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d %q: %w: %w", i, s, ErrInvalidEntry, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Files
// -------------------------------------------------------------------------

// fileList is the on-disk layout shared by both file formats:
//
//	revoked:
//	  - "5555555555"
//	  - "aa:aa:aa:aa:aa"
//
// or in TOML:
//
//	revoked = ["5555555555", "aa:aa:aa:aa:aa"]
type fileList struct {
	Revoked []string `yaml:"revoked" toml:"revoked"`
}

// ParseYAML decodes a YAML revocation list.
func ParseYAML(data []byte) ([]hdcp.Ksv, error) {
	var doc fileList
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode revocation yaml: %w", err)
	}
	return ParseKsvs(doc.Revoked)
}

// ParseTOML decodes a TOML revocation list.
func ParseTOML(data []byte) ([]hdcp.Ksv, error) {
	var doc fileList
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode revocation toml: %w", err)
	}
	return ParseKsvs(doc.Revoked)
}

// LoadFile reads a revocation list file. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadFile(path string) ([]hdcp.Ksv, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read revocation file %s: %w", path, err)
	}

	parse := ParseYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		parse = ParseTOML
	}

	ksvs, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("revocation file %s: %w", path, err)
	}
	return ksvs, nil
}
