package extract

import "strings"

// hostPatterns matches hosts against exact names and "*." suffix wildcards.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns ...string) *hostPatterns {
	m := &hostPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			m.suffixes = append(m.suffixes, strings.TrimPrefix(value, "*."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	return m
}

// Match reports whether host is listed. Suffix wildcards also cover the bare domain.
func (m *hostPatterns) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
