/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dispatch provides a DispatchHandler that logs received telemetry,
// counts messages and keeps an LRU directory of agents that talked to the gateway.
package dispatch
