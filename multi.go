package recsync

import (
	stderrs "errors"
	"fmt"
	"sort"
	"strings"
)

// MultiErr maps individual records to errors encountered saving, deleting, or fetching them.
type MultiErr map[RecordID]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	var strs []string
	for id, err := range e {
		strs = append(strs, fmt.Sprintf("%s: %s", id, err))
	}
	sort.Strings(strs)
	return "error(s): " + strings.Join(strs, "; ")
}

// Is tells whether any of the errors in e matches target.
func (e MultiErr) Is(target error) bool {
	for _, err := range e {
		if stderrs.Is(err, target) {
			return true
		}
	}
	return false
}

// Matching returns the ids in e whose errors match target, in sorted order.
func (e MultiErr) Matching(target error) []RecordID {
	var out []RecordID
	for id, err := range e {
		if stderrs.Is(err, target) {
			out = append(out, id)
		}
	}
	SortRecordIDs(out)
	return out
}

// SortRecordIDs sorts ids by zone and then name.
func SortRecordIDs(ids []RecordID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Zone != ids[j].Zone {
			return ids[i].Zone.String() < ids[j].Zone.String()
		}
		return ids[i].Name < ids[j].Name
	})
}
