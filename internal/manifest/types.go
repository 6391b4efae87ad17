// Package manifest defines the authoritative in-memory vault document
// together with its validation rules and its AEAD wire codec.
package manifest

import "github.com/google/uuid"

// Manifest is the single structured document holding all bookmarks and tags
// for a vault.
type Manifest struct {
	Version   uint64     `json:"version"`
	Items     []Bookmark `json:"items"`
	Tags      []Tag      `json:"tags"`
	ChainHead *string    `json:"chain_head,omitempty"`
}

// Bookmark is a single saved link.
type Bookmark struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Notes     string   `json:"notes,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// Tag labels bookmarks and may itself be hidden from default views.
type Tag struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Color  *string `json:"color,omitempty"`
	Hidden bool    `json:"hidden"`
}

// Empty returns a zero-value manifest at the given server version, used as
// the fallback when the codec cannot parse a decrypted payload and as the
// seed manifest for a brand-new vault.
func Empty(version uint64) Manifest {
	return Manifest{
		Version: version,
		Items:   []Bookmark{},
		Tags:    []Tag{},
	}
}

// Clone returns a deep copy of m, suitable for use as a base snapshot for
// three-way merge.
func (m Manifest) Clone() Manifest {
	out := Manifest{Version: m.Version}
	if m.ChainHead != nil {
		head := *m.ChainHead
		out.ChainHead = &head
	}
	out.Items = make([]Bookmark, len(m.Items))
	for i, b := range m.Items {
		out.Items[i] = b.clone()
	}
	out.Tags = make([]Tag, len(m.Tags))
	for i, t := range m.Tags {
		out.Tags[i] = t.clone()
	}
	return out
}

func (b Bookmark) clone() Bookmark {
	out := b
	out.Tags = append([]string(nil), b.Tags...)
	return out
}

func (t Tag) clone() Tag {
	out := t
	if t.Color != nil {
		c := *t.Color
		out.Color = &c
	}
	return out
}

// NewID returns a fresh, collision-resistant client-generated identifier
// suitable for a Bookmark.ID or Tag.ID.
func NewID() string {
	return uuid.NewString()
}

// NextUpdatedAt clamps a write timestamp to max(clientNowMs, previous+1) so
// updated_at stays strictly monotonic per item even when the host clock
// jitters backward. clientNowMs is the caller's current ms-epoch reading;
// previous is the prior updated_at (0 for a brand-new item).
func NextUpdatedAt(clientNowMs, previous int64) int64 {
	if clientNowMs > previous {
		return clientNowMs
	}
	return previous + 1
}
