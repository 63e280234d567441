/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package receiver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Metadata keys that agents use to introduce themselves.
const (
	MetadataKeyAgentID         = "agentid"
	MetadataKeyApplicationName = "applicationname"
	MetadataKeyAgentStartTime  = "starttime"
)

// ErrResponseAlreadyWritten is returned by ServerResponse.Write on the second and subsequent calls.
var ErrResponseAlreadyWritten = errors.New("response is already written")

// DispatchHandler processes messages received by the telemetry services.
// Methods may be called concurrently by all admitted calls, so implementations must be safe for concurrent use.
type DispatchHandler interface {
	// DispatchSendMessage handles a fire-and-forget message. No response is sent back to the agent.
	DispatchSendMessage(ctx context.Context, req *ServerRequest) error

	// DispatchRequestMessage handles a request message. The handler must write exactly one message to resp.
	DispatchRequestMessage(ctx context.Context, req *ServerRequest, resp ServerResponse) error
}

// DispatchHandlerFuncs adapts plain functions to DispatchHandler.
// A nil function makes the corresponding method fail with codes.Unimplemented.
type DispatchHandlerFuncs struct {
	SendMessage    func(ctx context.Context, req *ServerRequest) error
	RequestMessage func(ctx context.Context, req *ServerRequest, resp ServerResponse) error
}

// DispatchSendMessage calls SendMessage.
func (f DispatchHandlerFuncs) DispatchSendMessage(ctx context.Context, req *ServerRequest) error {
	if f.SendMessage == nil {
		return status.Error(codes.Unimplemented, "send messages are not supported")
	}
	return f.SendMessage(ctx, req)
}

// DispatchRequestMessage calls RequestMessage.
func (f DispatchHandlerFuncs) DispatchRequestMessage(ctx context.Context, req *ServerRequest, resp ServerResponse) error {
	if f.RequestMessage == nil {
		return status.Error(codes.Unimplemented, "request messages are not supported")
	}
	return f.RequestMessage(ctx, req, resp)
}

// AgentHeader identifies the agent that has sent a message.
type AgentHeader struct {
	AgentID         string
	ApplicationName string
	AgentStartTime  int64
}

// ServerRequest carries a single received message together with its call metadata.
type ServerRequest struct {
	FullMethod string
	Header     AgentHeader
	RemoteAddr net.Addr
	Message    proto.Message
	ReceivedAt time.Time
}

func newServerRequest(ctx context.Context, fullMethod string, msg proto.Message) *ServerRequest {
	req := &ServerRequest{
		FullMethod: fullMethod,
		Header:     AgentHeaderFromIncomingContext(ctx),
		Message:    msg,
		ReceivedAt: time.Now(),
	}
	if p, ok := peer.FromContext(ctx); ok {
		req.RemoteAddr = p.Addr
	}
	return req
}

// AgentHeaderFromIncomingContext extracts the agent header from the incoming gRPC metadata.
// Missing or malformed values are left empty.
func AgentHeaderFromIncomingContext(ctx context.Context) AgentHeader {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return AgentHeader{}
	}
	firstValue := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	header := AgentHeader{
		AgentID:         firstValue(MetadataKeyAgentID),
		ApplicationName: firstValue(MetadataKeyApplicationName),
	}
	if startTime, err := strconv.ParseInt(firstValue(MetadataKeyAgentStartTime), 10, 64); err == nil {
		header.AgentStartTime = startTime
	}
	return header
}

// NewOutgoingContextWithAgentHeader returns a context that sends the agent header with outgoing calls.
func NewOutgoingContextWithAgentHeader(ctx context.Context, header AgentHeader) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		MetadataKeyAgentID, header.AgentID,
		MetadataKeyApplicationName, header.ApplicationName,
		MetadataKeyAgentStartTime, strconv.FormatInt(header.AgentStartTime, 10),
	)
}

// ServerResponse is a sink for the single response message of a request call.
type ServerResponse interface {
	// Write sets the response message. Only the first call succeeds,
	// the subsequent ones return ErrResponseAlreadyWritten.
	Write(msg proto.Message) error
}

type serverResponse struct {
	written atomic.Bool
	msg     proto.Message
}

func (r *serverResponse) Write(msg proto.Message) error {
	if msg == nil {
		return errors.New("response message is nil")
	}
	if !r.written.CompareAndSwap(false, true) {
		return ErrResponseAlreadyWritten
	}
	r.msg = msg
	return nil
}

// handlerStatusError converts an error returned by DispatchHandler to the gRPC status error.
func handlerStatusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, "Internal error")
}
