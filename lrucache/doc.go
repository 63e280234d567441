/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides a size-bounded in-memory cache with LRU eviction, optional entry TTL,
// deduplicated loading of missing keys and Prometheus metrics.
// The gateway uses it for the agent directory and for per-agent rate limiter state.
package lrucache
