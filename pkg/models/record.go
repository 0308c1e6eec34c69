// Package models contains the record types held in data caches and the
// parameter and option types shared by getters and views.
package models

import (
	"sort"
	"strconv"
	"strings"
)

// DefaultUniqueField is the attribute used as cache key when a cache does
// not name one.
const DefaultUniqueField = "id"

// Record is an entity that can be stored in a data cache.
type Record interface {
	// Field returns the string form of the named attribute.
	Field(name string) (string, bool)
}

// Mergeable is a Record that can take a subset of its fields from another
// value of the same type.
type Mergeable[T any] interface {
	Record
	// MergeFields returns a copy of the receiver with the named fields
	// replaced by the ones from other.
	MergeFields(other T, fields []string) T
}

// Attr describes one attribute of a record type.
type Attr[T any] struct {
	// Get renders the attribute for key lookup. Nil for attributes that
	// can't serve as a key.
	Get func(T) string
	// Copy moves the attribute from src into dst.
	Copy func(dst *T, src T)
}

// Schema is the static attribute table of a record type.
type Schema[T any] map[string]Attr[T]

// Field looks up a key-able attribute on v.
func (s Schema[T]) Field(v T, name string) (string, bool) {
	a, ok := s[name]
	if !ok || a.Get == nil {
		return "", false
	}
	return a.Get(v), true
}

// Merge returns old with the named fields taken from src. Unknown names
// are ignored.
func (s Schema[T]) Merge(old, src T, fields []string) T {
	out := old
	for _, f := range fields {
		if a, ok := s[f]; ok && a.Copy != nil {
			a.Copy(&out, src)
		}
	}
	return out
}

// Params identifies the target of a fetch, for example {"jobId": "j1", "id": "t1"}.
type Params map[string]string

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with key set to value.
func (p Params) With(key, value string) Params {
	out := p.Clone()
	if out == nil {
		out = Params{}
	}
	out[key] = value
	return out
}

// String serializes p deterministically. It is used to build poll and
// dedup keys.
func (p Params) String() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(p[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Equal reports whether p and o hold the same pairs.
func (p Params) Equal(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
