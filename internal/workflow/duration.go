package workflow

import (
	"strconv"
	"strings"
)

// ParseISODuration converts an ISO-8601 duration such as "PT1M2.5S" or
// "P1DT2H" to seconds. Years and months have no fixed length and are rejected.
func ParseISODuration(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) < 3 || s[0] != 'P' || strings.HasSuffix(s, "T") {
		return 0, false
	}
	s = s[1:]

	var (
		total   float64
		inTime  bool
		numFrom = 0
		parsed  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 'T':
			if inTime || i != numFrom {
				return 0, false
			}
			inTime = true
			numFrom = i + 1
			continue
		case c >= '0' && c <= '9', c == '.', c == ',':
			continue
		}

		n, err := strconv.ParseFloat(strings.Replace(s[numFrom:i], ",", ".", 1), 64)
		if err != nil {
			return 0, false
		}
		var unit float64
		switch {
		case !inTime && c == 'W':
			unit = 7 * 86400
		case !inTime && c == 'D':
			unit = 86400
		case inTime && c == 'H':
			unit = 3600
		case inTime && c == 'M':
			unit = 60
		case inTime && c == 'S':
			unit = 1
		default:
			return 0, false
		}
		total += n * unit
		parsed = true
		numFrom = i + 1
	}
	if !parsed || numFrom != len(s) {
		return 0, false
	}
	if neg {
		total = -total
	}
	return total, true
}
