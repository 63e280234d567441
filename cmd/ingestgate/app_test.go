/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/acronis/go-ingestgate/grpcserver/encoding/zstd"
	"github.com/acronis/go-ingestgate/log/logtest"
	"github.com/acronis/go-ingestgate/receiver"
	"github.com/acronis/go-ingestgate/testutil"
)

const testConfig = `
grpcServer:
  address: 127.0.0.1:0
admission:
  maxConcurrent: 2
  maxQueue: 2
  waitTimeout: 500ms
agentRateLimit:
  enabled: true
  alg: sliding_window
  rate: 3/h
opsServer:
  address: 127.0.0.1:0
dispatch:
  agentDirectory:
    maxEntries: 10
log:
  level: error
`

func TestLoadAppConfig(t *testing.T) {
	cfg, err := loadAppConfig("")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Admission.MaxConcurrent)
	require.False(t, cfg.AgentRateLimit.Enabled)
	require.True(t, cfg.OpsServer.Enabled)

	cfgPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o600))
	cfg, err = loadAppConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Admission.MaxConcurrent)
	require.Equal(t, 2, cfg.Admission.MaxQueue)
	require.True(t, cfg.AgentRateLimit.Enabled)
	require.Equal(t, "3/h", cfg.AgentRateLimit.Rate.String())
	require.Equal(t, 10, cfg.Dispatch.AgentDirectory.MaxEntries)

	t.Setenv("INGESTGATE_ADMISSION_MAXCONCURRENT", "5")
	cfg, err = loadAppConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Admission.MaxConcurrent)

	require.NoError(t, os.WriteFile(cfgPath, []byte("admission:\n  maxConcurrent: 0\n"), 0o600))
	_, err = loadAppConfig(cfgPath)
	require.ErrorContains(t, err, "admission.maxConcurrent")
}

func TestApp(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o600))
	cfg, err := loadAppConfig(cfgPath)
	require.NoError(t, err)

	app, err := NewApp(cfg, logtest.NewRecorder())
	require.NoError(t, err)
	app.MustRegisterMetrics()
	defer app.UnregisterMetrics()

	fatalError := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Start(fatalError)
	}()
	for _, addr := range []func() string{app.GRPCServer.Address, app.OpsServer.Address} {
		require.Eventually(t, func() bool {
			_, port, splitErr := net.SplitHostPort(addr())
			return splitErr == nil && port != "0"
		}, time.Second*3, time.Millisecond*10)
		require.NoError(t, testutil.WaitListeningServer(addr(), time.Second*3))
	}

	conn, err := grpc.NewClient(app.GRPCServer.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	client := receiver.NewClient(conn)

	healthResp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, healthResp.GetStatus())

	ctx := receiver.NewOutgoingContextWithAgentHeader(context.Background(), receiver.AgentHeader{
		AgentID: "agent-1", ApplicationName: "billing", AgentStartTime: 1700000000000,
	})
	info, err := structpb.NewStruct(map[string]interface{}{"hostname": "host-1"})
	require.NoError(t, err)
	resp, err := client.RequestAgentInfo(ctx, info)
	require.NoError(t, err)
	require.Equal(t, "Success1", resp.GetFields()["message"].GetStringValue())

	span, err := structpb.NewStruct(map[string]interface{}{"name": "GET /users"})
	require.NoError(t, err)
	require.NoError(t, client.SendSpans(ctx, []*structpb.Struct{span, span}, grpc.UseCompressor(zstd.Name)))

	// The third call of the agent fits the rate, the fourth one is rejected.
	require.NoError(t, client.PingSession(ctx))
	err = client.PingSession(ctx)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Another agent is not affected.
	otherCtx := receiver.NewOutgoingContextWithAgentHeader(context.Background(), receiver.AgentHeader{AgentID: "agent-2"})
	require.NoError(t, client.PingSession(otherCtx))

	httpResp, err := http.Get(app.OpsServer.URL() + "/healthz")
	require.NoError(t, err)
	defer func() { _ = httpResp.Body.Close() }()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	var health struct {
		Healthy    bool `json:"healthy"`
		Components map[string]struct {
			Healthy bool                   `json:"healthy"`
			Details map[string]interface{} `json:"details"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&health))
	require.True(t, health.Healthy)
	require.Contains(t, health.Components, "admission")
	require.EqualValues(t, 2, health.Components["dispatch"].Details["send_messages"])
	require.EqualValues(t, 1, health.Components["dispatch"].Details["known_agents"])

	require.NoError(t, app.Stop(true))
	wg.Wait()
	testutil.RequireNoErrorInChannel(t, fatalError)
	require.True(t, app.Gate.Stats().Closed)
}
