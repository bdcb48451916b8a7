// Package change defines the push-channel contract between the remote
// authority and the realtime reconciler.
package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by Stream.Next after Close.
var ErrClosed = errors.New("change stream closed")

// Kind is the kind of change an event reports.
type Kind string

const (
	Insert Kind = "insert"
	Update Kind = "update"
	Delete Kind = "delete"
)

// AllKinds lists every change kind in a stable order.
var AllKinds = []Kind{Insert, Update, Delete}

// ParseKind parses a case-insensitive kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case Insert, Update, Delete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown change kind %q", s)
	}
}

// Change is one event on the push channel. Stateless: consumed once and
// never retried by the client.
type Change struct {
	// Seq is the authority's write order. Consistent per entity; no
	// cross-entity ordering is implied beyond arrival order.
	Seq      int64           `json:"seq"`
	Table    string          `json:"table"`
	Kind     Kind            `json:"kind"`
	EntityID string          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Stream delivers changes in authority write order.
type Stream interface {
	// Next blocks until a change is available, the stream is closed, or
	// ctx is done.
	Next(ctx context.Context) (Change, error)

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// Source opens change streams scoped by table and kind. An empty kinds list
// means every kind.
type Source interface {
	Subscribe(ctx context.Context, table string, kinds ...Kind) (Stream, error)
}

// KindSet is a lookup set built from a kinds list.
type KindSet map[Kind]bool

// NewKindSet builds a set; an empty list yields every kind.
func NewKindSet(kinds ...Kind) KindSet {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	set := make(KindSet, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// Has reports whether k is in the set.
func (s KindSet) Has(k Kind) bool {
	return s[k]
}
