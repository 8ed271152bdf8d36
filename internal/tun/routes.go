package tun

import (
	"fmt"
	"net/netip"
)

// publicSplit is the conventional replacement for a default route when
// private ranges must bypass the tunnel: everything except RFC1918,
// loopback, link-local, and multicast space.
var publicSplit = []string{
	"0.0.0.0/5", "8.0.0.0/7", "11.0.0.0/8", "12.0.0.0/6", "16.0.0.0/4",
	"32.0.0.0/3", "64.0.0.0/2", "128.0.0.0/3", "160.0.0.0/5", "168.0.0.0/6",
	"172.0.0.0/12", "172.32.0.0/11", "172.64.0.0/10", "172.128.0.0/9",
	"173.0.0.0/8", "174.0.0.0/7", "176.0.0.0/4", "192.0.0.0/9",
	"192.128.0.0/11", "192.160.0.0/13", "192.169.0.0/16", "192.170.0.0/15",
	"192.172.0.0/14", "192.176.0.0/12", "192.192.0.0/10", "193.0.0.0/8",
	"194.0.0.0/7", "196.0.0.0/6", "200.0.0.0/5", "208.0.0.0/4",
}

var loopback4 = netip.MustParsePrefix("127.0.0.0/8")

// sanitizeRoutes parses and filters the requested routes. Any route whose
// destination lies inside loopback space is dropped and reported; routing
// loopback through the tunnel would send the session's own control-plane
// sockets back into itself. When excludePrivate is set, a default route
// is expanded into the public split.
func sanitizeRoutes(routes []string, excludePrivate bool) (kept, dropped []string, err error) {
	for _, r := range routes {
		p, perr := netip.ParsePrefix(r)
		if perr != nil {
			return nil, nil, fmt.Errorf("route %q: %w", r, perr)
		}
		if p.Addr().Is4() && loopback4.Contains(p.Addr()) {
			dropped = append(dropped, r)
			continue
		}
		if p.Addr().Is6() && p.Addr().IsLoopback() {
			dropped = append(dropped, r)
			continue
		}
		if excludePrivate && p.Bits() == 0 && p.Addr().Is4() {
			kept = append(kept, publicSplit...)
			continue
		}
		kept = append(kept, p.String())
	}
	return kept, dropped, nil
}
