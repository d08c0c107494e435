package shellpool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ianremillard/pdip/internal/pco"
)

// ParseAffinities parses the dispatcher's shell-affinity configuration
// string: colon-separated fields, one per shell, each field a
// comma-separated list of CPU numbers or dashed ranges. An empty field
// means "all CPUs." An empty overall string means one shell, all CPUs.
//
// Examples: "" -> one shell, all CPUs. "0:1-3::3,4,6" -> four shells with
// the stated affinities (the third field, empty, also means all CPUs).
func ParseAffinities(spec string) ([]*pco.Affinity, error) {
	fields := strings.Split(spec, ":")
	out := make([]*pco.Affinity, 0, len(fields))
	for i, field := range fields {
		aff, err := parseAffinityField(field)
		if err != nil {
			return nil, fmt.Errorf("shellpool: affinity field %d (%q): %w", i, field, err)
		}
		out = append(out, aff)
	}
	return out, nil
}

func parseAffinityField(field string) (*pco.Affinity, error) {
	aff := pco.NewAffinity()
	field = strings.TrimSpace(field)
	if field == "" {
		aff.All()
		return aff, nil
	}

	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if lo, hi, ok := splitRange(item); ok {
			if lo > hi {
				return nil, fmt.Errorf("invalid range %q: start > end", item)
			}
			for n := lo; n <= hi; n++ {
				if err := aff.Set(uint(n)); err != nil {
					return nil, err
				}
			}
			continue
		}
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu number %q: %w", item, err)
		}
		if err := aff.Set(uint(n)); err != nil {
			return nil, err
		}
	}
	return aff, nil
}

func splitRange(item string) (lo, hi int, ok bool) {
	idx := strings.IndexByte(item, '-')
	if idx <= 0 || idx == len(item)-1 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(item[:idx])
	hi, err2 := strconv.Atoi(item[idx+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
