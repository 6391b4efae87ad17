// Package merge implements the pure three-way reconciliation of two
// manifest derivatives against their common ancestor: a deterministic
// function from (base, local, remote) to (merged, conflicts), preferring
// remote on tie-break.
package merge

import (
	"sort"
	"strings"

	"github.com/lucidvault/vaultcore/internal/manifest"
)

// Result is the output of Merge.
type Result struct {
	Merged    manifest.Manifest
	Conflicts []string
}

// Merge reconciles local and remote against their common ancestor base.
// It observes no wall-clock time or randomness: the same input triple
// always yields byte-identical output. The conflict list names the
// divergences the merge resolved on its own, so callers can surface them
// for observability even though no user intervention is requested: every
// bookmark picked by last-writer-wins, bookmarks and tags added on both
// sides with different contents, tags renamed on both sides to different
// names, and scalar fields whose three values all differ. Tags that both
// sides changed in other ways take the remote copy without an entry.
func Merge(base, local, remote manifest.Manifest) Result {
	merged := remote.Clone()
	var conflicts []string

	// Scalar fields: remote wins. A conflict is recorded only when base,
	// local, and remote truly diverge pairwise.
	if headOf(base) != headOf(local) && headOf(local) != headOf(remote) && headOf(base) != headOf(remote) {
		conflicts = append(conflicts, "field:chain_head")
	}
	merged.ChainHead = remote.ChainHead

	if base.Version != local.Version && local.Version != remote.Version && base.Version != remote.Version {
		conflicts = append(conflicts, "field:version")
	}
	merged.Version = remote.Version

	items, itemConflicts := mergeItems(base.Items, local.Items, remote.Items)
	merged.Items = items
	conflicts = append(conflicts, itemConflicts...)

	tags, tagConflicts := mergeTags(base.Tags, local.Tags, remote.Tags)
	merged.Tags = tags
	conflicts = append(conflicts, tagConflicts...)

	return Result{Merged: merged, Conflicts: conflicts}
}

func headOf(m manifest.Manifest) string {
	if m.ChainHead == nil {
		return ""
	}
	return *m.ChainHead
}

func mergeItems(base, local, remote []manifest.Bookmark) ([]manifest.Bookmark, []string) {
	baseByID := indexBookmarks(base)
	localByID := indexBookmarks(local)
	remoteByID := indexBookmarks(remote)

	ids := unionIDs(baseByID, localByID, remoteByID)

	var merged []manifest.Bookmark
	var conflicts []string

	for _, id := range ids {
		b, inBase := baseByID[id]
		l, inLocal := localByID[id]
		r, inRemote := remoteByID[id]

		switch {
		case !inBase && inLocal && !inRemote:
			merged = append(merged, l) // local add
		case !inBase && !inLocal && inRemote:
			merged = append(merged, r) // remote add
		case !inBase && inLocal && inRemote:
			merged = append(merged, r)
			if !bookmarksEqual(l, r) {
				conflicts = append(conflicts, "item:"+id)
			}
		case inBase && inLocal && !inRemote:
			merged = append(merged, l) // local-modify, remote-delete: survives
		case inBase && !inLocal && inRemote:
			merged = append(merged, r) // local-delete, remote-modify: survives
		case inBase && inLocal && inRemote:
			switch {
			case bookmarksEqual(l, r):
				merged = append(merged, r)
			case bookmarksEqual(l, b):
				merged = append(merged, r) // only remote changed
			case bookmarksEqual(r, b):
				merged = append(merged, l) // only local changed
			case l.UpdatedAt > r.UpdatedAt:
				merged = append(merged, l)
				conflicts = append(conflicts, "item:"+id)
			default:
				// remote is newer, or the timestamps tie: remote wins.
				merged = append(merged, r)
				conflicts = append(conflicts, "item:"+id)
			}
		case inBase && !inLocal && !inRemote:
			// both deleted: omitted
		}
	}

	return merged, conflicts
}

func mergeTags(base, local, remote []manifest.Tag) ([]manifest.Tag, []string) {
	baseByID := indexTags(base)
	localByID := indexTags(local)
	remoteByID := indexTags(remote)

	ids := unionIDs(baseByID, localByID, remoteByID)

	var merged []manifest.Tag
	var conflicts []string

	for _, id := range ids {
		b, inBase := baseByID[id]
		l, inLocal := localByID[id]
		r, inRemote := remoteByID[id]

		switch {
		case !inBase && inLocal && !inRemote:
			merged = append(merged, l)
		case !inBase && !inLocal && inRemote:
			merged = append(merged, r)
		case !inBase && inLocal && inRemote:
			merged = append(merged, r)
			if !tagsEqual(l, r) {
				conflicts = append(conflicts, "tag:"+id)
			}
		case inBase && inLocal && !inRemote:
			merged = append(merged, l)
		case inBase && !inLocal && inRemote:
			merged = append(merged, r)
		case inBase && inLocal && inRemote:
			switch {
			case tagsEqual(l, r):
				merged = append(merged, r)
			case tagsEqual(l, b):
				merged = append(merged, r) // only remote changed
			case tagsEqual(r, b):
				merged = append(merged, l) // only local changed
			default:
				merged = append(merged, r)
				localRenamed := !strings.EqualFold(l.Name, b.Name)
				remoteRenamed := !strings.EqualFold(r.Name, b.Name)
				if localRenamed && remoteRenamed && !strings.EqualFold(l.Name, r.Name) {
					conflicts = append(conflicts, "tag:"+id)
				}
			}
		case inBase && !inLocal && !inRemote:
			// both deleted: omitted
		}
	}

	return merged, conflicts
}

func bookmarksEqual(a, b manifest.Bookmark) bool {
	if a.ID != b.ID || a.URL != b.URL || a.Title != b.Title || a.Notes != b.Notes ||
		a.CreatedAt != b.CreatedAt || a.UpdatedAt != b.UpdatedAt || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

func tagsEqual(a, b manifest.Tag) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Hidden != b.Hidden {
		return false
	}
	if (a.Color == nil) != (b.Color == nil) {
		return false
	}
	return a.Color == nil || *a.Color == *b.Color
}

func indexBookmarks(items []manifest.Bookmark) map[string]manifest.Bookmark {
	out := make(map[string]manifest.Bookmark, len(items))
	for _, b := range items {
		out[b.ID] = b
	}
	return out
}

func indexTags(tags []manifest.Tag) map[string]manifest.Tag {
	out := make(map[string]manifest.Tag, len(tags))
	for _, t := range tags {
		out[t.ID] = t
	}
	return out
}

// unionIDs returns the sorted union of keys across the three maps so that
// iteration order, and therefore the resulting conflict list, is derived
// purely from the inputs.
func unionIDs[V any](a, b, c map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b)+len(c))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	for k := range c {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
