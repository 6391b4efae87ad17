package manifest

import (
	"net/url"
	"strings"

	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

// MaxNotesLength and MaxTagNameLength bound the free-text fields.
const (
	MaxNotesLength   = 4096
	MaxTagNameLength = 64
)

// ValidateBookmark checks a bookmark before it enters the manifest: the URL
// must parse as http/https, the title must be non-empty once trimmed, notes
// are length-bounded, and every referenced tag id must exist in tagIDs.
func ValidateBookmark(b Bookmark, tagIDs map[string]struct{}) error {
	if strings.TrimSpace(b.Title) == "" {
		return vaulterr.NewValidation("title must not be empty")
	}
	if err := validateURL(b.URL); err != nil {
		return err
	}
	if len(b.Notes) > MaxNotesLength {
		return vaulterr.NewValidation("notes exceed maximum length")
	}
	if b.UpdatedAt < b.CreatedAt {
		return vaulterr.NewValidation("updated_at must not precede created_at")
	}
	for _, tagID := range b.Tags {
		if _, ok := tagIDs[tagID]; !ok {
			return vaulterr.NewValidation("bookmark references an unknown tag id")
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return vaulterr.NewValidation("url is not well-formed")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return vaulterr.NewValidation("url must be http or https")
	}
	if u.Host == "" {
		return vaulterr.NewValidation("url must include a host")
	}
	return nil
}

// ValidateTagName checks that a tag name is non-empty once trimmed,
// length-bounded, and case-insensitively unique within existing.
// existing holds the lower-cased names already present in the manifest
// snapshot (excluding, for a rename, the tag being renamed).
func ValidateTagName(name string, existing map[string]struct{}) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return vaulterr.NewValidation("tag name must not be empty")
	}
	if len(trimmed) > MaxTagNameLength {
		return vaulterr.NewValidation("tag name exceeds maximum length")
	}
	if _, ok := existing[strings.ToLower(trimmed)]; ok {
		return vaulterr.NewValidation("a tag with this name already exists")
	}
	return nil
}

// ExistingTagNames returns the lower-cased name set of a manifest's tags,
// optionally excluding one tag id (used when validating a rename).
func ExistingTagNames(m Manifest, excludeID string) map[string]struct{} {
	out := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		if t.ID == excludeID {
			continue
		}
		out[strings.ToLower(t.Name)] = struct{}{}
	}
	return out
}

// TagIDSet returns the set of tag ids present in m, used to validate
// Bookmark.Tags references.
func TagIDSet(m Manifest) map[string]struct{} {
	out := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		out[t.ID] = struct{}{}
	}
	return out
}
