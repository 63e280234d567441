/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package opsserver provides an HTTP server with operational endpoints:
// Prometheus metrics, component health and pprof profiling.
package opsserver
