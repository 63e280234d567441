/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ingestgate/log"
)

func TestRecorder(t *testing.T) {
	recorder := NewRecorder()
	recorder.Warn("call rejected", log.Int("queue_len", 16), log.String("agent_id", "agent-1"))
	recorder.With(log.String("component", "dispatch")).Info("spans dispatched")
	recorder.WithLevel(log.LevelWarn).Info("dropped by level")

	require.Len(t, recorder.Entries(), 2)

	_, found := recorder.FindEntry("dropped by level")
	require.False(t, found)

	entry, found := recorder.FindEntry("call rejected")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)

	queueLen, found := entry.FindField("queue_len")
	require.True(t, found)
	require.EqualValues(t, 16, queueLen.Int)

	agentID, found := entry.FindField("agent_id")
	require.True(t, found)
	require.Equal(t, "agent-1", string(agentID.Bytes))

	_, found = entry.FindField("unknown")
	require.False(t, found)

	infos := recorder.FindAllEntriesByFilter(func(e RecordedEntry) bool { return e.Level == log.LevelInfo })
	require.Len(t, infos, 1)
	_, found = infos[0].FindField("component")
	require.True(t, found)

	recorder.Reset()
	require.Empty(t, recorder.Entries())
}
