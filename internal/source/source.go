// Package source recognises the video hosts the service converts from.
package source

import "strings"

// hosts are matched as substrings of the lower-cased URL. vm.tiktok.com is
// the short-link host used by the mobile share sheet.
var hosts = []string{"tiktok.com", "vm.tiktok.com"}

// IsValid reports whether rawURL points at a supported host. It performs no
// network or DNS lookups.
func IsValid(rawURL string) bool {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	if u == "" {
		return false
	}
	for _, h := range hosts {
		if strings.Contains(u, h) {
			return true
		}
	}
	return false
}
