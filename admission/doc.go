/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission provides a gate that bounds the number of concurrently processed calls.
//
// Gate admits at most maxConcurrent callers at a time. Callers that arrive while all slots are taken
// wait in a FIFO queue of at most maxQueue entries, each for at most waitTimeout. A released slot is handed
// directly to the longest-waiting caller, so the number of admitted callers never exceeds the limit even
// for a moment. Callers that find the queue full are rejected immediately.
//
// Every queued caller ends with exactly one outcome: admitted, rejected by timeout, cancelled by its context,
// or rejected because the gate was closed. All decisions are made under a single mutex.
package admission
