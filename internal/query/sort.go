package query

import (
	"sort"
	"strings"
)

// Sort orders documents in place by the provided keys. A key prefixed with "-" sorts descending.
// Missing or incomparable values order before present ones; ties keep their input order.
func Sort(documents []map[string]any, keys []string) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(documents, func(i, j int) bool {
		for _, key := range keys {
			descending := strings.HasPrefix(key, "-")
			field := strings.TrimPrefix(key, "-")
			result := compareForSort(documents[i], documents[j], field)
			if result == 0 {
				continue
			}
			if descending {
				return result > 0
			}
			return result < 0
		}
		return false
	})
}

func compareForSort(left, right map[string]any, field string) int {
	leftValue, leftPresent := lookup(left, field)
	rightValue, rightPresent := lookup(right, field)
	leftPresent = leftPresent && leftValue != nil
	rightPresent = rightPresent && rightValue != nil
	switch {
	case !leftPresent && !rightPresent:
		return 0
	case !leftPresent:
		return -1
	case !rightPresent:
		return 1
	}
	result, ok := compare(leftValue, rightValue)
	if !ok {
		return 0
	}
	return result
}
