// Package firewall decides which clients may use the gateway.
package firewall

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Blocker is the predicate the HTTP layer consults for every request.
type Blocker interface {
	IsBlocked(ip netip.Addr) bool
}

// StaticBlocklist blocks addresses that fall in any configured prefix.
type StaticBlocklist struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// NewStaticBlocklist parses entries as CIDR prefixes or bare addresses.
func NewStaticBlocklist(entries []string) (*StaticBlocklist, error) {
	b := &StaticBlocklist{}
	if err := b.Replace(entries); err != nil {
		return nil, err
	}
	return b, nil
}

// Replace swaps the blocked set. On a parse error the old set is kept.
func (b *StaticBlocklist) Replace(entries []string) error {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			return err
		}
		prefixes = append(prefixes, p)
	}

	b.mu.Lock()
	b.prefixes = prefixes
	b.mu.Unlock()
	return nil
}

func parseEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid blocklist prefix %q: %w", entry, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid blocklist address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsBlocked reports whether ip is inside a blocked prefix. IPv4-mapped IPv6
// addresses are matched as IPv4.
func (b *StaticBlocklist) IsBlocked(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of blocked prefixes.
func (b *StaticBlocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.prefixes)
}

// ClientAddr extracts the peer address from an http.Request RemoteAddr.
func ClientAddr(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
