/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package agentlimit limits the rate of calls per agent.
// It is installed before the admission gate, so a single noisy agent cannot fill the gate queue.
// Calls without the agent id header are not limited.
package agentlimit
