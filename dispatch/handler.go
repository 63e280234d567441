/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/receiver"
)

// Fields of the RequestAgentInfo request message that are remembered in the agent directory.
const (
	AgentInfoFieldHostname = "hostname"
)

// HandlerOpts represents options for the Handler.
type HandlerOpts struct {
	// ProcessingDelay is slept (or interrupted by the call context) before handling each fire-and-forget message.
	ProcessingDelay time.Duration
}

// Stats represents counters of the Handler.
type Stats struct {
	SendMessages    int64 `json:"send_messages"`
	RequestMessages int64 `json:"request_messages"`
	KnownAgents     int   `json:"known_agents"`
}

// Handler is a receiver.DispatchHandler that logs received telemetry and maintains the agent directory.
type Handler struct {
	logger          log.FieldLogger
	directory       *AgentDirectory
	processingDelay time.Duration

	sendMessages    atomic.Int64
	requestMessages atomic.Int64
}

var _ receiver.DispatchHandler = (*Handler)(nil)

// NewHandler creates a new Handler.
func NewHandler(logger log.FieldLogger, directory *AgentDirectory) *Handler {
	return NewHandlerWithOpts(logger, directory, HandlerOpts{})
}

// NewHandlerWithOpts creates a new Handler with options.
func NewHandlerWithOpts(logger log.FieldLogger, directory *AgentDirectory, opts HandlerOpts) *Handler {
	return &Handler{logger: logger, directory: directory, processingDelay: opts.ProcessingDelay}
}

// DispatchSendMessage handles a span or agent stat message.
func (h *Handler) DispatchSendMessage(ctx context.Context, req *receiver.ServerRequest) error {
	if h.processingDelay > 0 {
		t := time.NewTimer(h.processingDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	logger := h.loggerFromContext(ctx)
	if req.Header.AgentID != "" {
		if _, err := h.directory.Resolve(req.Header.AgentID, func(agentID string) (AgentInfo, error) {
			logger.Info("agent is seen for the first time", log.String("agent_id", agentID))
			return newAgentInfo(req), nil
		}); err != nil {
			return err
		}
	}

	n := h.sendMessages.Inc()
	logger.Debug("telemetry message is received",
		log.String("method", req.FullMethod),
		log.String("agent_id", req.Header.AgentID),
		log.String("application_name", req.Header.ApplicationName),
		log.Int64("message_number", n),
	)
	return nil
}

// DispatchRequestMessage handles RequestAgentInfo calls.
func (h *Handler) DispatchRequestMessage(
	ctx context.Context, req *receiver.ServerRequest, resp receiver.ServerResponse,
) error {
	if req.FullMethod != receiver.AgentRequestAgentInfoFullMethod {
		return status.Errorf(codes.Unimplemented, "Method %s is not supported", req.FullMethod)
	}
	if req.Header.AgentID == "" {
		return status.Error(codes.InvalidArgument, "Agent id is required")
	}

	info := newAgentInfo(req)
	if msg, ok := req.Message.(*structpb.Struct); ok {
		info.Hostname = msg.GetFields()[AgentInfoFieldHostname].GetStringValue()
	}
	info = h.directory.Merge(info)

	n := h.requestMessages.Inc()
	h.loggerFromContext(ctx).Info("agent info is received",
		log.String("agent_id", info.AgentID),
		log.String("application_name", info.ApplicationName),
		log.String("hostname", info.Hostname),
	)

	out, err := structpb.NewStruct(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Success%d", n),
	})
	if err != nil {
		return fmt.Errorf("build agent info response: %w", err)
	}
	return resp.Write(out)
}

// Stats returns the current counters.
func (h *Handler) Stats() Stats {
	return Stats{
		SendMessages:    h.sendMessages.Load(),
		RequestMessages: h.requestMessages.Load(),
		KnownAgents:     h.directory.Len(),
	}
}

func (h *Handler) loggerFromContext(ctx context.Context) log.FieldLogger {
	if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

func newAgentInfo(req *receiver.ServerRequest) AgentInfo {
	info := AgentInfo{
		AgentID:         req.Header.AgentID,
		ApplicationName: req.Header.ApplicationName,
		AgentStartTime:  req.Header.AgentStartTime,
		FirstSeenAt:     req.ReceivedAt,
	}
	if req.RemoteAddr != nil {
		info.RemoteAddr = req.RemoteAddr.String()
	}
	return info
}
