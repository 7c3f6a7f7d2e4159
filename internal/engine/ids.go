package engine

import "github.com/google/uuid"

// newSortableID returns a UUIDv7 string: globally unique and
// monotonically increasing with creation time, so that a plain
// `ORDER BY id` over a table yields insertion order (spec.md §9).
func newSortableID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
