/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/acronis/go-ingestgate/grpcserver/encoding/zstd"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/receiver"
	"github.com/acronis/go-ingestgate/retry"
)

// SimulatorOpts represents options of the Simulator.
type SimulatorOpts struct {
	Agents           int
	StreamsPerAgent  int
	SpansPerStream   int
	ApplicationName  string
	Compress         bool
	RetryInterval    time.Duration
	MaxRetryAttempts int
}

// Report summarizes a simulation run.
type Report struct {
	Streams  int64 `json:"streams"`
	Spans    int64 `json:"spans"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// Simulator emulates a fleet of agents sending spans to the gateway.
// Rejected calls (ResourceExhausted) are retried with exponential backoff,
// honoring the retry-after header when the gateway sends it.
type Simulator struct {
	client *receiver.Client
	logger log.FieldLogger
	opts   SimulatorOpts

	streams  atomic.Int64
	spans    atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewSimulator creates a new Simulator.
func NewSimulator(client *receiver.Client, logger log.FieldLogger, opts SimulatorOpts) *Simulator {
	if opts.ApplicationName == "" {
		opts.ApplicationName = "agentsim"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Simulator{client: client, logger: logger, opts: opts}
}

// Run starts all agents and blocks until they finish or the context is canceled.
func (s *Simulator) Run(ctx context.Context) Report {
	startTime := time.Now().UnixMilli()
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Agents; i++ {
		header := receiver.AgentHeader{
			AgentID:         fmt.Sprintf("agentsim-%d", i+1),
			ApplicationName: s.opts.ApplicationName,
			AgentStartTime:  startTime,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runAgent(receiver.NewOutgoingContextWithAgentHeader(ctx, header), header)
		}()
	}
	wg.Wait()
	return Report{
		Streams:  s.streams.Load(),
		Spans:    s.spans.Load(),
		Rejected: s.rejected.Load(),
		Failed:   s.failed.Load(),
	}
}

func (s *Simulator) runAgent(ctx context.Context, header receiver.AgentHeader) {
	logger := s.logger.With(log.String("agent_id", header.AgentID))

	info, err := structpb.NewStruct(map[string]interface{}{"hostname": header.AgentID + ".local"})
	if err != nil {
		logger.Error("failed to build agent info", log.Error(err))
		return
	}
	if err = s.callWithRetry(ctx, logger, func(ctx context.Context, opts ...grpc.CallOption) error {
		_, callErr := s.client.RequestAgentInfo(ctx, info, opts...)
		return callErr
	}); err != nil {
		s.failed.Inc()
		logger.Error("failed to request agent info", log.Error(err))
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < s.opts.StreamsPerAgent; i++ {
		wg.Add(1)
		go func(streamNum int) {
			defer wg.Done()
			spans, buildErr := s.makeSpans(header, streamNum)
			if buildErr != nil {
				logger.Error("failed to build spans", log.Error(buildErr))
				return
			}
			if sendErr := s.callWithRetry(ctx, logger, func(ctx context.Context, opts ...grpc.CallOption) error {
				return s.client.SendSpans(ctx, spans, opts...)
			}); sendErr != nil {
				s.failed.Inc()
				logger.Warn("failed to send spans", log.Int("stream", streamNum), log.Error(sendErr))
				return
			}
			s.streams.Inc()
			s.spans.Add(int64(len(spans)))
		}(i)
	}
	wg.Wait()
}

func (s *Simulator) callWithRetry(
	ctx context.Context, logger log.FieldLogger, call func(ctx context.Context, opts ...grpc.CallOption) error,
) error {
	policy := retry.Policy{
		InitialInterval: s.opts.RetryInterval,
		MaxRetries:      s.opts.MaxRetryAttempts,
		IsRetryable:     isRetryable,
		Notify: func(err error, delay time.Duration) {
			logger.Debug("call is rejected, retrying", log.Duration("delay", delay), log.Error(err))
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		var header metadata.MD
		opts := []grpc.CallOption{grpc.Header(&header)}
		if s.opts.Compress {
			opts = append(opts, grpc.UseCompressor(zstd.Name))
		}
		err := call(ctx, opts...)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.rejected.Inc()
		return retry.After(err, parseRetryAfter(header))
	})
}

func (s *Simulator) makeSpans(header receiver.AgentHeader, streamNum int) ([]*structpb.Struct, error) {
	spans := make([]*structpb.Struct, 0, s.opts.SpansPerStream)
	for i := 0; i < s.opts.SpansPerStream; i++ {
		span, err := structpb.NewStruct(map[string]interface{}{
			"agentId":   header.AgentID,
			"stream":    streamNum,
			"seq":       i,
			"name":      "GET /simulated",
			"elapsedMs": 10 + i%50,
		})
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, nil
}

func isRetryable(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

func parseRetryAfter(md metadata.MD) time.Duration {
	vals := md.Get("retry-after")
	if len(vals) == 0 {
		return 0
	}
	seconds, err := strconv.Atoi(vals[0])
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
