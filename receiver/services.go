/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package receiver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log"
)

// Full method names of the telemetry services.
const (
	SpanSendSpanFullMethod          = "/telemetry.v1.Span/SendSpan"
	StatSendAgentStatFullMethod     = "/telemetry.v1.Stat/SendAgentStat"
	AgentRequestAgentInfoFullMethod = "/telemetry.v1.Agent/RequestAgentInfo"
	AgentPingSessionFullMethod      = "/telemetry.v1.Agent/PingSession"
)

// MessageStream is the server side of a client stream of telemetry messages.
type MessageStream interface {
	Recv() (*structpb.Struct, error)
	SendAndClose(*emptypb.Empty) error
	grpc.ServerStream
}

type messageStream struct {
	grpc.ServerStream
}

func (s *messageStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *messageStream) SendAndClose(msg *emptypb.Empty) error {
	return s.ServerStream.SendMsg(msg)
}

// SpanServer is the server API for the telemetry.v1.Span service.
type SpanServer interface {
	SendSpan(MessageStream) error
}

// StatServer is the server API for the telemetry.v1.Stat service.
type StatServer interface {
	SendAgentStat(MessageStream) error
}

// AgentServer is the server API for the telemetry.v1.Agent service.
type AgentServer interface {
	RequestAgentInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PingSession(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// SpanServiceDesc is the grpc.ServiceDesc for the telemetry.v1.Span service.
var SpanServiceDesc = grpc.ServiceDesc{
	ServiceName: "telemetry.v1.Span",
	HandlerType: (*SpanServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SendSpan",
			Handler:       spanSendSpanHandler,
			ClientStreams: true,
		},
	},
	Metadata: "telemetry/v1/span.proto",
}

// StatServiceDesc is the grpc.ServiceDesc for the telemetry.v1.Stat service.
var StatServiceDesc = grpc.ServiceDesc{
	ServiceName: "telemetry.v1.Stat",
	HandlerType: (*StatServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SendAgentStat",
			Handler:       statSendAgentStatHandler,
			ClientStreams: true,
		},
	},
	Metadata: "telemetry/v1/stat.proto",
}

// AgentServiceDesc is the grpc.ServiceDesc for the telemetry.v1.Agent service.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "telemetry.v1.Agent",
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestAgentInfo",
			Handler:    agentRequestAgentInfoHandler,
		},
		{
			MethodName: "PingSession",
			Handler:    agentPingSessionHandler,
		},
	},
	Metadata: "telemetry/v1/agent.proto",
}

func spanSendSpanHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SpanServer).SendSpan(&messageStream{stream})
}

func statSendAgentStatHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StatServer).SendAgentStat(&messageStream{stream})
}

func agentRequestAgentInfoHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, ic grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if ic == nil {
		return srv.(AgentServer).RequestAgentInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AgentRequestAgentInfoFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).RequestAgentInfo(ctx, req.(*structpb.Struct))
	}
	return ic(ctx, in, info, handler)
}

func agentPingSessionHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, ic grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if ic == nil {
		return srv.(AgentServer).PingSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AgentPingSessionFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).PingSession(ctx, req.(*emptypb.Empty))
	}
	return ic(ctx, in, info, handler)
}

// sendEndpoint routes every message of a client stream to DispatchSendMessage.
type sendEndpoint struct {
	handler    DispatchHandler
	fullMethod string
}

func (e *sendEndpoint) SendSpan(stream MessageStream) error {
	return e.receive(stream)
}

func (e *sendEndpoint) SendAgentStat(stream MessageStream) error {
	return e.receive(stream)
}

func (e *sendEndpoint) receive(stream MessageStream) error {
	ctx := stream.Context()
	var received int
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
					logger.Debug("telemetry stream completed", log.Int("messages_received", received))
				}
				return stream.SendAndClose(&emptypb.Empty{})
			}
			return err
		}
		received++
		if err = e.handler.DispatchSendMessage(ctx, newServerRequest(ctx, e.fullMethod, msg)); err != nil {
			return handlerStatusError(err)
		}
	}
}

// requestEndpoint routes request calls to DispatchRequestMessage.
type requestEndpoint struct {
	handler DispatchHandler
}

func (e *requestEndpoint) RequestAgentInfo(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	resp := &serverResponse{}
	if err := e.handler.DispatchRequestMessage(ctx, newServerRequest(ctx, AgentRequestAgentInfoFullMethod, in), resp); err != nil {
		return nil, handlerStatusError(err)
	}
	if !resp.written.Load() {
		return nil, status.Error(codes.Internal, "No response is written")
	}
	out, ok := resp.msg.(*structpb.Struct)
	if !ok {
		return nil, status.Errorf(codes.Internal, "Unexpected response message type %T", resp.msg)
	}
	return out, nil
}

func (e *requestEndpoint) PingSession(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

// SpanDefinition is a DefinitionFactory for the telemetry.v1.Span service.
func SpanDefinition(handler DispatchHandler) ServiceDefinition {
	return ServiceDefinition{Desc: &SpanServiceDesc, Impl: &sendEndpoint{handler: handler, fullMethod: SpanSendSpanFullMethod}}
}

// StatDefinition is a DefinitionFactory for the telemetry.v1.Stat service.
func StatDefinition(handler DispatchHandler) ServiceDefinition {
	return ServiceDefinition{Desc: &StatServiceDesc, Impl: &sendEndpoint{handler: handler, fullMethod: StatSendAgentStatFullMethod}}
}

// AgentDefinition is a DefinitionFactory for the telemetry.v1.Agent service.
func AgentDefinition(handler DispatchHandler) ServiceDefinition {
	return ServiceDefinition{Desc: &AgentServiceDesc, Impl: &requestEndpoint{handler: handler}}
}
