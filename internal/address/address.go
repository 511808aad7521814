// Package address validates the comma-separated recipient lists accepted by
// the compose form and the relay endpoint.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is the basic address syntax: a local part, "@", and a domain part
// containing at least one dot, with no whitespace anywhere.
var pattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// InvalidError reports the first segment of a list that failed validation.
type InvalidError struct {
	Address string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid address %q", e.Address)
}

// Valid reports whether addr matches the basic address syntax.
func Valid(addr string) bool {
	return pattern.MatchString(addr)
}

// Split breaks a comma-separated field into trimmed, non-empty segments.
func Split(field string) []string {
	if field == "" {
		return nil
	}

	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseList splits field and validates every segment. An empty field yields
// an empty list and no error.
func ParseList(field string) ([]string, error) {
	addrs := Split(field)
	for _, a := range addrs {
		if !Valid(a) {
			return nil, &InvalidError{Address: a}
		}
	}
	return addrs, nil
}
