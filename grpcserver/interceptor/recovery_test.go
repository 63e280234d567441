/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/log/logtest"
)

func TestRecoveryInterceptor(t *testing.T) {
	tests := []struct {
		name      string
		opts      []RecoveryOption
		wantStack bool
	}{
		{name: "default stack size", wantStack: true},
		{name: "stack disabled", opts: []RecoveryOption{WithRecoveryStackSize(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logtest.NewRecorder()
			svc, client := mustStartTestService(t,
				[]grpc.UnaryServerInterceptor{LoggingUnaryInterceptor(logger), RecoveryUnaryInterceptor(tt.opts...)},
				[]grpc.StreamServerInterceptor{LoggingStreamInterceptor(logger), RecoveryStreamInterceptor(tt.opts...)})
			svc.handle = func(context.Context) error { panic("dispatch handler is broken") }

			_, err := client.UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
			require.Equal(t, codes.Internal, status.Code(err))
			err = callStream(context.Background(), client)
			require.Equal(t, codes.Internal, status.Code(err))
			require.Equal(t, "Internal error", status.Convert(err).Message())

			panics := logger.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
				return entry.Text == "Panic: dispatch handler is broken"
			})
			require.Len(t, panics, 2)
			for _, entry := range panics {
				require.Equal(t, log.LevelError, entry.Level)
				stack, found := entry.FindField("stack")
				require.Equal(t, tt.wantStack, found)
				if tt.wantStack {
					require.Contains(t, string(stack.Bytes), "goroutine")
				}
			}
		})
	}
}

func TestRecoveryInterceptor_NoLogger(t *testing.T) {
	unary := RecoveryUnaryInterceptor()
	_, err := unary(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: testUnaryMethod},
		func(context.Context, interface{}) (interface{}, error) { panic("no logger in context") })
	require.ErrorIs(t, err, InternalError)
}
