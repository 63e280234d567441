/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// GetLocalAddrWithFreeTCPPort returns a 127.0.0.1:<port> address with a port nobody listens on right now.
func GetLocalAddrWithFreeTCPPort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().String()
}

// WaitListeningServer waits until a TCP connection to addr can be established.
func WaitListeningServer(addr string, timeout time.Duration) error {
	return waitListening("tcp", addr, timeout)
}

// WaitListeningServerWithUnixSocket waits until a connection to the unix socket can be established.
func WaitListeningServerWithUnixSocket(path string, timeout time.Duration) error {
	return waitListening("unix", path, timeout)
}

func waitListening(network, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var dialer net.Dialer
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s server at %s is not listening after %s: %w", network, addr, timeout, err)
		case <-ticker.C:
		}
	}
}
