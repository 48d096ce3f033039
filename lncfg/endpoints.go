// Package lncfg holds small, dependency-light validation helpers shared by
// daemon/config.go and the operator CLI: validating and deduplicating
// price-source endpoints.
package lncfg

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeEndpoints validates each entry as an absolute http(s) URL and
// returns a new slice with duplicates removed, preserving first-seen order
// (spec.md §4.1's source descriptors; §6 Operator surface).
func NormalizeEndpoints(endpoints []string) ([]string, error) {
	result := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))

	for _, raw := range endpoints {
		u, err := validateEndpoint(raw)
		if err != nil {
			return nil, err
		}

		key := u.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}

	return result, nil
}

// validateEndpoint enforces that a price-source URL is absolute and uses
// http or https, the only two schemes priceagg.fetchQuote's client speaks.
func validateEndpoint(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("lncfg: empty price source endpoint")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("lncfg: invalid price source endpoint %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("lncfg: price source endpoint %q must be "+
			"http or https, got scheme %q", raw, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("lncfg: price source endpoint %q is missing a host", raw)
	}

	return u, nil
}
