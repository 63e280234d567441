/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains helpers shared by the gateway tests: free local addresses,
// waiting for listeners and assertions on Prometheus collectors and error channels.
package testutil

import (
	"github.com/stretchr/testify/require"
)

type tHelper interface {
	Helper()
}

func markHelper(t require.TestingT) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
}

// RequireNoErrorInChannel fails the test if the buffered channel holds a non-nil error.
// It does not block when the channel is empty.
func RequireNoErrorInChannel(t require.TestingT, c <-chan error, msgAndArgs ...interface{}) {
	markHelper(t)
	select {
	case err := <-c:
		require.NoError(t, err, msgAndArgs...)
	default:
	}
}
