/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/interop/grpc_testing"
)

// testService records the context of the last call and runs handle (if set) for unary and server-streaming calls.
type testService struct {
	grpc_testing.UnimplementedTestServiceServer
	lastCtx context.Context
	handle  func(ctx context.Context) error
}

func (s *testService) UnaryCall(ctx context.Context, _ *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	s.lastCtx = ctx
	if s.handle != nil {
		if err := s.handle(ctx); err != nil {
			return nil, err
		}
	}
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("span-batch-ack")}}, nil
}

func (s *testService) StreamingOutputCall(
	_ *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	s.lastCtx = stream.Context()
	if s.handle != nil {
		if err := s.handle(stream.Context()); err != nil {
			return err
		}
	}
	return stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: &grpc_testing.Payload{Body: []byte("stat-ack")}})
}

func (s *testService) StreamingInputCall(stream grpc_testing.TestService_StreamingInputCallServer) error {
	s.lastCtx = stream.Context()
	var size int32
	for {
		req, err := stream.Recv()
		if err != nil {
			return stream.SendAndClose(&grpc_testing.StreamingInputCallResponse{AggregatedPayloadSize: size})
		}
		size += int32(len(req.GetPayload().GetBody()))
	}
}

// startTestService serves testService on a localhost listener.
// The returned close function stops both the client connection and the server.
func startTestService(
	serverOpts []grpc.ServerOption, dialOpts []grpc.DialOption,
) (*testService, grpc_testing.TestServiceClient, func() error, error) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, nil, nil, err
	}
	svc := &testService{}
	srv := grpc.NewServer(serverOpts...)
	grpc_testing.RegisterTestServiceServer(srv, svc)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ln) }()

	conn, err := grpc.NewClient(ln.Addr().String(),
		append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))...)
	if err != nil {
		srv.Stop()
		<-serveDone
		return nil, nil, nil, err
	}
	return svc, grpc_testing.NewTestServiceClient(conn), func() error {
		closeErr := conn.Close()
		srv.GracefulStop()
		if serveErr := <-serveDone; serveErr != nil {
			return serveErr
		}
		return closeErr
	}, nil
}

func mustStartTestService(
	t *testing.T, unary []grpc.UnaryServerInterceptor, stream []grpc.StreamServerInterceptor,
) (*testService, grpc_testing.TestServiceClient) {
	t.Helper()
	svc, client, closeFn, err := startTestService(
		[]grpc.ServerOption{grpc.ChainUnaryInterceptor(unary...), grpc.ChainStreamInterceptor(stream...)}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, closeFn()) })
	return svc, client
}

// callStream runs a server-streaming call and drains the stream.
func callStream(ctx context.Context, client grpc_testing.TestServiceClient) error {
	stream, err := client.StreamingOutputCall(ctx, &grpc_testing.StreamingOutputCallRequest{})
	if err != nil {
		return err
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
