package rpc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseISO8601Duration parses the restricted subset of ISO-8601 durations
// ("PnDTnHnMnS") the executor emits for a 408 response's timeout value.
// Calendar units (years, months) are not supported, since timeouts never
// need them.
func parseISO8601Duration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("rpc: malformed ISO-8601 duration %q", s)
	}
	s = s[1:]

	datePart, timePart, _ := strings.Cut(s, "T")

	var total time.Duration

	if strings.Contains(datePart, "D") {
		n, _, err := takeNumber(datePart, "D")
		if err != nil {
			return 0, err
		}
		total += time.Duration(n*24) * time.Hour
	}

	for _, unit := range []struct {
		suffix string
		scale  time.Duration
	}{
		{"H", time.Hour},
		{"M", time.Minute},
		{"S", time.Second},
	} {
		if !strings.Contains(timePart, unit.suffix) {
			continue
		}
		n, rest, err := takeNumber(timePart, unit.suffix)
		if err != nil {
			return 0, err
		}
		total += time.Duration(n * float64(unit.scale))
		timePart = rest
	}

	return total, nil
}

func takeNumber(s, suffix string) (float64, string, error) {
	idx := strings.Index(s, suffix)
	if idx < 0 {
		return 0, s, fmt.Errorf("rpc: missing %q in duration segment %q", suffix, s)
	}
	n, err := strconv.ParseFloat(s[:idx], 64)
	if err != nil {
		return 0, s, fmt.Errorf("rpc: malformed number in duration segment %q: %w", s, err)
	}
	return n, s[idx+1:], nil
}

// formatISO8601Duration renders d in the "PTnS" form the executor uses
// for the __invPropVal accompanying a 408 response.
func formatISO8601Duration(d time.Duration) string {
	return fmt.Sprintf("PT%gS", d.Seconds())
}
