// Package media holds the data model shared by every cache tier: asset
// descriptors, the keys derived from them, and the cached entries.
package media

import (
	"image"
	"image/color"
	"strconv"
	"strings"
)

// DefaultHash is the content hash callers pass when an entity has no custom
// asset (for example a user without an uploaded avatar).
const DefaultHash = "default"

// Descriptor identifies one fetchable image.
type Descriptor struct {
	EntityID string
	// Scope is the owning entity for assets that only exist inside another
	// one, such as per-guild member avatars.
	Scope       string
	ContentHash string
	// Size is the requested pixel dimension. Zero selects the kind default.
	Size int
}

// HasAsset reports whether the descriptor names a custom asset at all.
func (d Descriptor) HasAsset() bool {
	return d.EntityID != "" && d.ContentHash != "" && d.ContentHash != DefaultHash
}

// Key is the cache identity of a descriptor within one asset kind.
type Key struct {
	Kind        string
	Scope       string
	EntityID    string
	ContentHash string
	Size        int
}

// KeyFor derives the cache key for d. ok is false when the descriptor has no
// asset or contains characters that cannot be placed in a file name. A size
// equal to defaultSize is folded into the plain key.
func KeyFor(kind string, d Descriptor, defaultSize int) (Key, bool) {
	if !d.HasAsset() {
		return Key{}, false
	}
	if !isAlnum(d.EntityID) || (d.Scope != "" && !isAlnum(d.Scope)) || !isHashToken(d.ContentHash) {
		return Key{}, false
	}
	if d.Size < 0 {
		return Key{}, false
	}

	size := d.Size
	if size == defaultSize {
		size = 0
	}

	return Key{
		Kind:        kind,
		Scope:       d.Scope,
		EntityID:    d.EntityID,
		ContentHash: d.ContentHash,
		Size:        size,
	}, true
}

// String renders the key as used for disk file names:
// [scope_]entityId-contentHash[-s<size>].
func (k Key) String() string {
	var b strings.Builder
	if k.Scope != "" {
		b.WriteString(k.Scope)
		b.WriteByte('_')
	}
	b.WriteString(k.EntityID)
	b.WriteByte('-')
	b.WriteString(k.ContentHash)
	if k.Size > 0 {
		b.WriteString("-s")
		b.WriteString(strconv.Itoa(k.Size))
	}
	return b.String()
}

// FileName is the flat on-disk name for the key.
func (k Key) FileName(ext string) string {
	return k.String() + "." + strings.TrimPrefix(ext, ".")
}

// Entry is a decoded, immutable cache entry.
type Entry struct {
	Image  image.Image
	Accent *color.NRGBA
}

type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDisk
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	default:
		return "none"
	}
}

// Result is what a resolve delivers. The zero Result is a miss.
type Result struct {
	Image  image.Image
	Accent *color.NRGBA
	Source Source
}

func (r Result) Found() bool {
	return r.Image != nil
}

func ResultOf(e Entry, src Source) Result {
	return Result{Image: e.Image, Accent: e.Accent, Source: src}
}

// HexColor formats c as #rrggbb.
func HexColor(c color.NRGBA) string {
	const digits = "0123456789abcdef"
	buf := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i, v := range []uint8{c.R, c.G, c.B} {
		buf[1+i*2] = digits[v>>4]
		buf[2+i*2] = digits[v&0x0f]
	}
	return string(buf)
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// isHashToken allows the underscore used by animated asset hashes ("a_...").
func isHashToken(s string) bool {
	for _, r := range s {
		if r == '_' {
			continue
		}
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return s != ""
}
