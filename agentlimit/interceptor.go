/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package agentlimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/vasayxtx/go-glob"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/receiver"
)

// LogFieldKey is the name of the logged field that contains the agent id used as a rate limiting key.
const LogFieldKey = "rate_limit_key"

// Option represents a configuration option for the interceptors.
type Option func(*options)

type options struct {
	excludedAgents []string
}

// WithExcludedAgents exempts agents whose ids match any of the glob patterns (e.g. "canary-*") from the limit.
func WithExcludedAgents(patterns ...string) Option {
	return func(o *options) {
		o.excludedAgents = append(o.excludedAgents, patterns...)
	}
}

// UnaryInterceptor returns a gRPC unary interceptor that limits the rate of calls per agent.
func UnaryInterceptor(limiter Limiter, opts ...Option) grpc.UnaryServerInterceptor {
	getKey := makeGetKey(opts)
	return func(
		ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (interface{}, error) {
		agentID, bypass := getKey(ctx)
		if bypass {
			return handler(ctx, req)
		}
		allow, retryAfter, err := limiter.Allow(ctx, agentID)
		if err != nil {
			return nil, onLimiterError(ctx, agentID, err)
		}
		if !allow {
			if setErr := grpc.SetHeader(ctx, makeRetryAfterMetadata(retryAfter)); setErr != nil {
				logWarn(ctx, "failed to set retry-after header", log.Error(setErr))
			}
			return nil, onReject(ctx, agentID)
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that limits the rate of calls per agent.
func StreamInterceptor(limiter Limiter, opts ...Option) grpc.StreamServerInterceptor {
	getKey := makeGetKey(opts)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		agentID, bypass := getKey(ctx)
		if bypass {
			return handler(srv, ss)
		}
		allow, retryAfter, err := limiter.Allow(ctx, agentID)
		if err != nil {
			return onLimiterError(ctx, agentID, err)
		}
		if !allow {
			if setErr := ss.SetHeader(makeRetryAfterMetadata(retryAfter)); setErr != nil {
				logWarn(ctx, "failed to set retry-after header", log.Error(setErr))
			}
			return onReject(ctx, agentID)
		}
		return handler(srv, ss)
	}
}

func makeGetKey(opts []Option) func(ctx context.Context) (agentID string, bypass bool) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	excluded := make([]func(s string) bool, 0, len(o.excludedAgents))
	for _, pattern := range o.excludedAgents {
		excluded = append(excluded, glob.Compile(pattern))
	}
	return func(ctx context.Context) (string, bool) {
		agentID := receiver.AgentHeaderFromIncomingContext(ctx).AgentID
		if agentID == "" {
			return "", true
		}
		for _, match := range excluded {
			if match(agentID) {
				return agentID, true
			}
		}
		return agentID, false
	}
}

func onReject(ctx context.Context, agentID string) error {
	logWarn(ctx, "agent rate limit exceeded", log.String(LogFieldKey, agentID))
	return status.Error(codes.ResourceExhausted, "Too many requests from the agent")
}

func onLimiterError(ctx context.Context, agentID string, err error) error {
	if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
		logger.Error("agent rate limiting error", log.String(LogFieldKey, agentID), log.Error(err))
	}
	return status.Error(codes.Internal, "Internal server error")
}

func logWarn(ctx context.Context, msg string, fields ...log.Field) {
	if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
		logger.Warn(msg, fields...)
	}
}

func makeRetryAfterMetadata(retryAfter time.Duration) metadata.MD {
	retryAfterSeconds := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return metadata.Pairs("retry-after", strconv.Itoa(retryAfterSeconds))
}
