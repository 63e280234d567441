/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package grpcserver provides a gRPC server implementation with built-in interceptors
// for logging, metrics, recovery, and request ID handling. The server hosts services bound by
// the receiver package, optionally filters peers by address, and runs shutdown hooks before graceful stop.
package grpcserver
