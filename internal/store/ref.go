package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeRef is the vector-index ref under which a summary node is indexed.
func NodeRef(nodeID uuid.UUID) string { return "summary:" + nodeID.String() }

// ParseNodeRef recovers the node id from an index ref.
func ParseNodeRef(ref string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(ref, "summary:")
	if !ok {
		return uuid.Nil, fmt.Errorf("not a summary ref: %q", ref)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad summary ref %q: %w", ref, err)
	}
	return id, nil
}
