/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

// NewRoundRobinResolver creates a net.Resolver that sends DNS queries to the given name servers in turn.
// It is used by agents that resolve the gateway host via dedicated name servers
// (e.g. a service discovery agent listening on a non-standard port).
//
//	resolver, err := netutil.NewRoundRobinResolver([]string{"127.0.0.1:8600"}, 2*time.Second)
//	dialer := &net.Dialer{Resolver: resolver}
func NewRoundRobinResolver(nameServers []string, timeout time.Duration) (*net.Resolver, error) {
	if len(nameServers) == 0 {
		return nil, fmt.Errorf("at least one name server is required")
	}
	for _, ns := range nameServers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			return nil, fmt.Errorf("invalid name server address %q: %w", ns, err)
		}
	}

	var idx atomic.Uint32
	nsCount := uint32(len(nameServers)) //nolint:gosec // name server count is reasonable

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, nameServers[(idx.Inc()-1)%nsCount])
		},
	}, nil
}
