package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIDFilter parses the CLI download filter grammar
// `k=v1,v2-v3;k2=...` and returns the expanded id list. The only supported
// key is `id`; values are integers or inclusive ranges.
func parseIDFilter(filter string) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{}
	for _, clause := range strings.Split(filter, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		key, values, found := strings.Cut(clause, "=")
		if !found {
			return nil, fmt.Errorf("malformed filter clause %q: expected k=v", clause)
		}
		if strings.TrimSpace(key) != "id" {
			return nil, fmt.Errorf("unsupported filter key %q (only id)", key)
		}
		for _, value := range strings.Split(values, ",") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(value, "-")
			if !isRange {
				id, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("bad id %q", value)
				}
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
				continue
			}
			start, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad range start %q", lo)
			}
			end, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad range end %q", hi)
			}
			if end < start {
				return nil, fmt.Errorf("descending range %q", value)
			}
			for id := start; id <= end; id++ {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("filter %q matches no ids", filter)
	}
	return ids, nil
}
