package store

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// StateKind identifies which state space an entry belongs to.
type StateKind string

const (
	StateBucket  StateKind = "bucket"
	StateWindow  StateKind = "window"
	StateCounter StateKind = "counter"
)

// StateEntry is one stored limit state, flattened for listing. Only the
// fields for the entry's kind are populated.
type StateEntry struct {
	Kind StateKind
	Key  string

	// Bucket fields.
	Tokens     float64
	LastRefill time.Time

	// Window fields.
	Events int
	Oldest time.Time

	// Counter fields.
	WindowIndex int64
	Count       int
}

// StateQuery selects stored state for listing or reset. Exactly one of All,
// Key, or Prefix must be set.
type StateQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q StateQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

// Matches reports whether a limit key is selected by the query. Backends
// without server-side filtering use it directly.
func (q StateQuery) Matches(key string) bool {
	if q.All {
		return true
	}
	if want := strings.TrimSpace(q.Key); want != "" {
		return key == want
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

func sortStateEntries(entries []StateEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Key < entries[j].Key
	})
}
