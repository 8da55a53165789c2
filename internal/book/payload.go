package book

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks ids generated on this device for unconfirmed creates.
const TempIDPrefix = "offline_"

// NewTempID returns a fresh temporary id. ULIDs sort by creation time, which
// keeps offline records in insertion order when listed by id.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id was produced by NewTempID (or follows its form).
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Payload holds the field values written by an operation, keyed by the JSON
// field names of Book.
type Payload map[string]any

// Payload returns the writable fields of b. Identity fields (id, ownerId,
// offline) travel on the operation, not in its payload.
func (b Book) Payload() Payload {
	p := Payload{
		"title":  b.Title,
		"author": b.Author,
		"rating": b.Rating,
	}
	if b.Status != "" {
		p["status"] = string(b.Status)
	}
	if b.Description != "" {
		p["description"] = b.Description
	}
	if b.Notes != "" {
		p["notes"] = b.Notes
	}
	if b.CoverImage != "" {
		p["coverImage"] = b.CoverImage
	}
	if !b.DateAdded.IsZero() {
		p["dateAdded"] = b.DateAdded.UTC().Format(time.RFC3339Nano)
	}
	if !b.UpdatedAt.IsZero() {
		p["updatedAt"] = b.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}

// FromPayload decodes a payload into a Book with the given id.
func FromPayload(id string, p Payload) (Book, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Book{}, fmt.Errorf("encode payload: %w", err)
	}
	var b Book
	if err := json.Unmarshal(raw, &b); err != nil {
		return Book{}, fmt.Errorf("decode payload: %w", err)
	}
	b.ID = id
	return b, nil
}

// Apply overlays the payload fields onto b.
func Apply(b Book, p Payload) (Book, error) {
	merged, err := FromPayload(b.ID, MergePayload(b.Payload(), p))
	if err != nil {
		return Book{}, err
	}
	merged.OwnerID = b.OwnerID
	merged.Offline = b.Offline
	return merged, nil
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Time parses an RFC 3339 timestamp stored under key.
func (p Payload) Time(key string) (time.Time, bool) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Title is shorthand for p.String("title").
func (p Payload) Title() string { return p.String("title") }

// Author is shorthand for p.String("author").
func (p Payload) Author() string { return p.String("author") }

// MergePayload returns base with every field of override applied on top.
// Neither input is modified.
func MergePayload(base, override Payload) Payload {
	out := make(Payload, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Changed returns the fields of p that are missing from base or hold a
// different value there.
func (p Payload) Changed(base Payload) Payload {
	out := Payload{}
	for k, v := range p {
		if old, ok := base[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		out[k] = v
	}
	return out
}
