/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// RequireSamplesCountInHistogram fails the test unless the histogram has exactly want observations.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Histogram, want int) {
	markHelper(t)
	var m dto.Metric
	require.NoError(t, hist.Write(&m))
	require.EqualValues(t, want, m.GetHistogram().GetSampleCount(), "histogram samples count")
}

// RequireSamplesCountInCounter fails the test unless the counter value equals want.
func RequireSamplesCountInCounter(t require.TestingT, counter prometheus.Counter, want int) {
	markHelper(t)
	require.EqualValues(t, want, promtestutil.ToFloat64(counter), "counter value")
}
