/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package receiver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is an agent-side client of the telemetry services.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a new Client that uses the given connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// SendSpans sends the messages over a single telemetry.v1.Span/SendSpan stream.
func (c *Client) SendSpans(ctx context.Context, msgs []*structpb.Struct, opts ...grpc.CallOption) error {
	return c.sendStream(ctx, &SpanServiceDesc.Streams[0], SpanSendSpanFullMethod, msgs, opts...)
}

// SendAgentStats sends the messages over a single telemetry.v1.Stat/SendAgentStat stream.
func (c *Client) SendAgentStats(ctx context.Context, msgs []*structpb.Struct, opts ...grpc.CallOption) error {
	return c.sendStream(ctx, &StatServiceDesc.Streams[0], StatSendAgentStatFullMethod, msgs, opts...)
}

// RequestAgentInfo calls telemetry.v1.Agent/RequestAgentInfo.
func (c *Client) RequestAgentInfo(
	ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, AgentRequestAgentInfoFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PingSession calls telemetry.v1.Agent/PingSession.
func (c *Client) PingSession(ctx context.Context, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, AgentPingSessionFullMethod, &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

func (c *Client) sendStream(
	ctx context.Context, desc *grpc.StreamDesc, fullMethod string, msgs []*structpb.Struct, opts ...grpc.CallOption,
) error {
	stream, err := c.conn.NewStream(ctx, desc, fullMethod, opts...)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	for _, msg := range msgs {
		if err = stream.SendMsg(msg); err != nil {
			// The real reason (e.g. rejection status) is returned by RecvMsg.
			break
		}
	}
	if err = stream.CloseSend(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return stream.RecvMsg(&emptypb.Empty{})
}
