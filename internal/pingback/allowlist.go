package pingback

import (
	"fmt"
	"net/netip"
	"strings"
)

// AllowList authorizes callers by IP address. Entries are single addresses
// or CIDR prefixes. An empty live list accepts every address.
type AllowList struct {
	live     []netip.Prefix
	test     []netip.Prefix
	testMode bool
}

// NewAllowList parses the live and test lists. testModeEnabled is the global
// test-mode toggle: test callers are only recognized while it is on.
func NewAllowList(live, test []string, testModeEnabled bool) (*AllowList, error) {
	liveSet, err := parsePrefixes(live)
	if err != nil {
		return nil, fmt.Errorf("live allow-list: %w", err)
	}
	testSet, err := parsePrefixes(test)
	if err != nil {
		return nil, fmt.Errorf("test allow-list: %w", err)
	}
	return &AllowList{live: liveSet, test: testSet, testMode: testModeEnabled}, nil
}

// Authorize returns the mode for a caller. Test mode applies when the toggle
// is on and the caller is in the test list; otherwise the caller must be in
// the live list. Returns ErrUnauthorized for anything else, including an
// unparseable address.
func (a *AllowList) Authorize(ip string) (Mode, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ModeLive, fmt.Errorf("%w: invalid address %q", ErrUnauthorized, ip)
	}
	addr = addr.Unmap()

	if a.testMode && contains(a.test, addr) {
		return ModeTest, nil
	}
	if len(a.live) == 0 || contains(a.live, addr) {
		return ModeLive, nil
	}
	return ModeLive, fmt.Errorf("%w: %s", ErrUnauthorized, addr)
}

func contains(set []netip.Prefix, addr netip.Addr) bool {
	for _, p := range set {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
