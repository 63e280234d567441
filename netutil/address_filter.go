/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"fmt"
	"net"
	"strings"
)

// AddressFilter decides whether a connection from the remote address may be accepted.
type AddressFilter interface {
	Accept(addr net.Addr) bool
}

// AddressFilterFunc is an adapter to allow the use of ordinary functions as AddressFilter.
type AddressFilterFunc func(addr net.Addr) bool

// Accept calls f(addr).
func (f AddressFilterFunc) Accept(addr net.Addr) bool {
	return f(addr)
}

// CIDRFilter accepts addresses by allow and deny lists of networks.
// Deny list has priority. Empty allow list means that all not denied addresses are accepted.
// Addresses without IP (e.g. unix sockets) are accepted only when the allow list is empty.
type CIDRFilter struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewCIDRFilter creates a new CIDRFilter.
// Each item is either a CIDR ("10.0.0.0/8") or a single IP address ("127.0.0.1", "::1").
func NewCIDRFilter(allow, deny []string) (*CIDRFilter, error) {
	allowNets, err := parseNetworks(allow)
	if err != nil {
		return nil, fmt.Errorf("parse allow list: %w", err)
	}
	denyNets, err := parseNetworks(deny)
	if err != nil {
		return nil, fmt.Errorf("parse deny list: %w", err)
	}
	return &CIDRFilter{allow: allowNets, deny: denyNets}, nil
}

// Accept implements AddressFilter.
func (f *CIDRFilter) Accept(addr net.Addr) bool {
	ip := ipFromAddr(addr)
	if ip == nil {
		return len(f.allow) == 0
	}
	if containsIP(f.deny, ip) {
		return false
	}
	return len(f.allow) == 0 || containsIP(f.allow, ip)
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func ipFromAddr(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

func parseNetworks(items []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			ip := net.ParseIP(item)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %q", item)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", item, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}
