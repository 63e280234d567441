/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/acronis/go-ingestgate/log"
)

const (
	metadataKeyRequestID         = "x-request-id"
	metadataKeyInternalRequestID = "x-int-request-id"
	metadataKeyUserAgent         = "user-agent"
)

// CallMethodType represents the type of gRPC method call.
type CallMethodType string

const (
	// CallMethodTypeUnary represents a unary gRPC method call.
	CallMethodTypeUnary CallMethodType = "unary"
	// CallMethodTypeStream represents a streaming gRPC method call.
	CallMethodTypeStream CallMethodType = "stream"
)

// CallInfo describes an incoming call. It is built once by the call info interceptor
// and shared by the logging, metrics and recovery interceptors.
type CallInfo struct {
	StartTime         time.Time
	FullMethod        string
	Service           string
	Method            string
	MethodType        CallMethodType
	RemoteAddr        string
	UserAgent         string
	RequestID         string
	InternalRequestID string
}

type ctxKey int

const (
	ctxKeyCallInfo ctxKey = iota
	ctxKeyLogger
	ctxKeyLoggingParams
)

// NewContextWithCallInfo creates a new context with the call info.
func NewContextWithCallInfo(ctx context.Context, info *CallInfo) context.Context {
	return context.WithValue(ctx, ctxKeyCallInfo, info)
}

// GetCallInfoFromContext extracts the call info from the context.
func GetCallInfoFromContext(ctx context.Context) *CallInfo {
	info, _ := ctx.Value(ctxKeyCallInfo).(*CallInfo)
	return info
}

// GetRequestIDFromContext returns the external request id of the call or an empty string.
func GetRequestIDFromContext(ctx context.Context) string {
	if info := GetCallInfoFromContext(ctx); info != nil {
		return info.RequestID
	}
	return ""
}

// NewContextWithLogger creates a new context with logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext extracts logger from the context.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	logger, _ := ctx.Value(ctxKeyLogger).(log.FieldLogger)
	return logger
}

// NewContextWithLoggingParams creates a new context with logging params.
func NewContextWithLoggingParams(ctx context.Context, lp *LoggingParams) context.Context {
	return context.WithValue(ctx, ctxKeyLoggingParams, lp)
}

// GetLoggingParamsFromContext extracts logging params from the context.
func GetLoggingParamsFromContext(ctx context.Context) *LoggingParams {
	lp, _ := ctx.Value(ctxKeyLoggingParams).(*LoggingParams)
	return lp
}

// WrappedServerStream wraps grpc.ServerStream to provide a custom context for the stream.
type WrappedServerStream struct {
	grpc.ServerStream
	Ctx context.Context
}

// Context returns the custom context for the wrapped server stream.
func (ss *WrappedServerStream) Context() context.Context {
	return ss.Ctx
}

// CallInfoOption represents a configuration option for the call info interceptor.
type CallInfoOption func(*callInfoOptions)

type callInfoOptions struct {
	generateID         func() string
	generateInternalID func() string
}

// WithRequestIDGenerator sets the function generating request ids for calls that come without one.
func WithRequestIDGenerator(generator func() string) CallInfoOption {
	return func(opts *callInfoOptions) {
		opts.generateID = generator
	}
}

// WithInternalRequestIDGenerator sets the function generating internal request ids.
func WithInternalRequestIDGenerator(generator func() string) CallInfoOption {
	return func(opts *callInfoOptions) {
		opts.generateInternalID = generator
	}
}

func newCallInfoOptions(options []CallInfoOption) callInfoOptions {
	newID := func() string { return xid.New().String() }
	opts := callInfoOptions{generateID: newID, generateInternalID: newID}
	for _, option := range options {
		option(&opts)
	}
	return opts
}

// CallInfoUnaryInterceptor builds CallInfo for the unary call, echoes request ids
// in the response header and puts the info into the context.
// It should be the first interceptor in the chain.
func CallInfoUnaryInterceptor(options ...CallInfoOption) grpc.UnaryServerInterceptor {
	opts := newCallInfoOptions(options)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		callInfo := opts.newCallInfo(ctx, info.FullMethod, CallMethodTypeUnary)
		if err := grpc.SetHeader(ctx, callInfo.headerMD()); err != nil {
			return nil, err
		}
		return handler(NewContextWithCallInfo(ctx, callInfo), req)
	}
}

// CallInfoStreamInterceptor is the stream counterpart of CallInfoUnaryInterceptor.
func CallInfoStreamInterceptor(options ...CallInfoOption) grpc.StreamServerInterceptor {
	opts := newCallInfoOptions(options)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		callInfo := opts.newCallInfo(ss.Context(), info.FullMethod, CallMethodTypeStream)
		if err := ss.SetHeader(callInfo.headerMD()); err != nil {
			return err
		}
		return handler(srv, &WrappedServerStream{ServerStream: ss, Ctx: NewContextWithCallInfo(ss.Context(), callInfo)})
	}
}

func (opts callInfoOptions) newCallInfo(ctx context.Context, fullMethod string, methodType CallMethodType) *CallInfo {
	info := &CallInfo{StartTime: time.Now(), FullMethod: fullMethod, MethodType: methodType}
	info.Service, info.Method = splitFullMethodName(fullMethod)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.RemoteAddr = p.Addr.String()
	}
	info.RequestID = firstMetadataValue(ctx, metadataKeyRequestID)
	if info.RequestID == "" {
		info.RequestID = opts.generateID()
	}
	info.InternalRequestID = opts.generateInternalID()
	info.UserAgent = firstMetadataValue(ctx, metadataKeyUserAgent)
	return info
}

func (info *CallInfo) headerMD() metadata.MD {
	return metadata.Pairs(metadataKeyRequestID, info.RequestID, metadataKeyInternalRequestID, info.InternalRequestID)
}

// callInfoOrNew returns the call info from the context. If the call info interceptor is not in the chain,
// a minimal info is built so the other interceptors still work.
func callInfoOrNew(ctx context.Context, fullMethod string, methodType CallMethodType) (context.Context, *CallInfo) {
	if info := GetCallInfoFromContext(ctx); info != nil {
		return ctx, info
	}
	info := &CallInfo{StartTime: time.Now(), FullMethod: fullMethod, MethodType: methodType}
	info.Service, info.Method = splitFullMethodName(fullMethod)
	return NewContextWithCallInfo(ctx, info), info
}

func firstMetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func splitFullMethodName(fullMethod string) (service, method string) {
	if service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/"); ok {
		return service, method
	}
	return "unknown", "unknown"
}

func methodSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return set
}
