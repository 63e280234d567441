/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/acronis/go-ingestgate/log"
)

// DefaultRejectLogInterval is the default minimal interval between two logged rejected connections.
const DefaultRejectLogInterval = time.Second

// FilteringListenerOpts represents options for the FilteringListener.
type FilteringListenerOpts struct {
	// RejectLogInterval is the minimal interval between two logged rejected connections.
	// Zero means DefaultRejectLogInterval, negative value means that every rejection is logged.
	RejectLogInterval time.Duration
}

// FilteringListener is a net.Listener that closes connections rejected by AddressFilter
// right after accepting, so the server never sees them.
type FilteringListener struct {
	net.Listener
	filter   AddressFilter
	logger   log.FieldLogger
	rejected atomic.Uint64

	rejectLogSometimes *rate.Sometimes
}

// NewFilteringListener wraps the listener. Logger may be nil.
func NewFilteringListener(ln net.Listener, filter AddressFilter, logger log.FieldLogger) *FilteringListener {
	return NewFilteringListenerWithOpts(ln, filter, logger, FilteringListenerOpts{})
}

// NewFilteringListenerWithOpts wraps the listener with options. Logger may be nil.
func NewFilteringListenerWithOpts(
	ln net.Listener, filter AddressFilter, logger log.FieldLogger, opts FilteringListenerOpts,
) *FilteringListener {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	fl := &FilteringListener{Listener: ln, filter: filter, logger: logger}
	switch {
	case opts.RejectLogInterval == 0:
		fl.rejectLogSometimes = &rate.Sometimes{Interval: DefaultRejectLogInterval}
	case opts.RejectLogInterval > 0:
		fl.rejectLogSometimes = &rate.Sometimes{Interval: opts.RejectLogInterval}
	}
	return fl
}

// Accept waits for and returns the next connection accepted by the filter.
func (l *FilteringListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.filter.Accept(conn.RemoteAddr()) {
			return conn, nil
		}
		rejected := l.rejected.Inc()
		l.logRejection(conn.RemoteAddr(), rejected)
		if closeErr := conn.Close(); closeErr != nil {
			l.logger.Debug("failed to close rejected connection", log.Error(closeErr))
		}
	}
}

func (l *FilteringListener) logRejection(addr net.Addr, rejected uint64) {
	doLog := func() {
		l.logger.Warn("connection is rejected by address filter",
			log.String("remote_addr", addr.String()), log.Uint64("rejected_total", rejected))
	}
	if l.rejectLogSometimes == nil {
		doLog()
		return
	}
	l.rejectLogSometimes.Do(doLog)
}

// Rejected returns the number of connections rejected so far.
func (l *FilteringListener) Rejected() uint64 {
	return l.rejected.Load()
}
