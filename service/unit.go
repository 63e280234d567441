/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

// Unit is a long-lived part of the gateway process: the gRPC server, the ops server or a background worker.
//
// Start may return right after initialization or block for the whole lifetime of the unit.
// A failure that should bring the process down is written to fatalErr at most once, before Start returns.
// Stop may be called even if Start failed or has never been called.
type Unit interface {
	Start(fatalErr chan<- error)
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that own Prometheus collectors.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}

// registerUnitMetrics registers the unit's collectors (if any) and returns the function undoing it.
func registerUnitMetrics(u Unit) (unregister func()) {
	mr, ok := u.(MetricsRegisterer)
	if !ok {
		return func() {}
	}
	mr.MustRegisterMetrics()
	return mr.UnregisterMetrics
}
