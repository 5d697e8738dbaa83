package decision

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Snapshot flattens the content fields of a decision into the opaque
// key→value map stored on a Version. Options are keyed by position so the
// on-read diff can compare them pairwise.
func Snapshot(d Decision) map[string]string {
	snap := map[string]string{
		"title":       d.Title,
		"description": d.Description,
		"summary":     d.Summary,
		"phase":       d.Phase,
	}
	for i, opt := range d.Options {
		prefix := fmt.Sprintf("option_%d_", i+1)
		snap[prefix+"title"] = opt.Title
		snap[prefix+"description"] = opt.Description
		snap[prefix+"media"] = strings.Join(opt.MediaURLs, "\n")
		snap[prefix+"cost_minor"] = strconv.FormatInt(opt.TotalCostMinor(), 10)
	}
	snap["option_count"] = strconv.Itoa(len(d.Options))
	return snap
}

// FieldChange is one changed field between two adjacent versions.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffSnapshots compares two snapshots field-by-field and returns the
// changed fields in stable key order. It is pure: versions store full
// snapshots, never deltas, so any two adjacent snapshots diff the same way
// no matter when they are read.
func DiffSnapshots(prev, cur map[string]string) []FieldChange {
	keys := make(map[string]struct{}, len(prev)+len(cur))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range cur {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var changes []FieldChange
	for _, k := range ordered {
		before, after := prev[k], cur[k]
		if before == after {
			continue
		}
		changes = append(changes, FieldChange{Field: k, Before: before, After: after})
	}
	return changes
}
