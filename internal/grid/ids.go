package grid

import (
	"strconv"
	"strings"
)

// ParseItemIDs parses a comma separated ID list such as "3, 1, 2".
// Empty segments are skipped; anything else must be a positive integer
// and appear once.
func ParseItemIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, invalid("ItemIDs", "%q is not a record ID", part)
		}
		ids = append(ids, id)
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func checkIDs(ids []int64) error {
	if len(ids) == 0 {
		return invalid("ItemIDs", "no items supplied")
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return invalid("ItemIDs", "item %d listed more than once", id)
		}
		seen[id] = true
	}
	return nil
}
