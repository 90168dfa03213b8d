package safety

import "strings"

// hostBlocklist matches exact hosts and "*.example.com" / ".example.com"
// suffix patterns. A nil blocklist blocks nothing.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	b := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *hostBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *hostBlocklist) blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
