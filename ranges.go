package botmaker

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ParseDeviceRange expands a device range string like "0:5,7,9:10" into the
// unique emulator indexes it covers, in first-seen order. Ranges are
// inclusive on both ends. Tokens that do not parse are skipped with a
// warning rather than failing the whole string.
func ParseDeviceRange(s string) []int {
	var (
		out  []int
		seen = make(map[int]bool)
	)
	add := func(idx int) {
		if idx < 0 || seen[idx] {
			return
		}
		seen[idx] = true
		out = append(out, idx)
	}
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(token, ":"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				log.Warn().Str("token", token).Msg("device range: invalid range token")
				continue
			}
			for i := start; i <= end; i++ {
				add(i)
			}
			continue
		}
		idx, err := strconv.Atoi(token)
		if err != nil {
			log.Warn().Str("token", token).Msg("device range: invalid token")
			continue
		}
		add(idx)
	}
	return out
}

// ParseLineRange parses an executor line range like "1-5,10-15" into an
// index predicate. Line numbers are 1-based in the string; the returned
// set is queried with 0-based module indexes. An empty string covers all
// lines, and a string that fails to parse falls back to covering all lines.
func ParseLineRange(s string) func(index int) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return func(int) bool { return true }
	}
	type span struct{ lo, hi int }
	var spans []span
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(token, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil {
				log.Warn().Str("range", s).Msg("line range: parse failed, covering all lines")
				return func(int) bool { return true }
			}
			spans = append(spans, span{start, end})
			continue
		}
		line, err := strconv.Atoi(token)
		if err != nil {
			log.Warn().Str("range", s).Msg("line range: parse failed, covering all lines")
			return func(int) bool { return true }
		}
		spans = append(spans, span{line, line})
	}
	return func(index int) bool {
		line := index + 1
		for _, sp := range spans {
			if line >= sp.lo && line <= sp.hi {
				return true
			}
		}
		return false
	}
}
