/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ssgreg/logf"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/log"
)

// DefaultSlowCallThreshold is the default duration after which a call is marked as slow in the log.
const DefaultSlowCallThreshold = time.Second

// LoggingParams collects fields that handlers and inner interceptors want to see
// in the "call finished" entry. It is safe for concurrent use.
type LoggingParams struct {
	mu        sync.Mutex
	fields    []log.Field
	timeSlots map[string]int64
}

// ExtendFields adds fields to the "call finished" entry.
func (lp *LoggingParams) ExtendFields(fields ...log.Field) {
	lp.mu.Lock()
	lp.fields = append(lp.fields, fields...)
	lp.mu.Unlock()
}

// AddTimeSlotDurationInMs adds the duration in milliseconds to the named time slot.
func (lp *LoggingParams) AddTimeSlotDurationInMs(name string, dur time.Duration) {
	lp.mu.Lock()
	if lp.timeSlots == nil {
		lp.timeSlots = make(map[string]int64, 1)
	}
	lp.timeSlots[name] += dur.Milliseconds()
	lp.mu.Unlock()
}

func (lp *LoggingParams) snapshot() (fields []log.Field, slots timeSlots) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	fields = append(fields, lp.fields...)
	if len(lp.timeSlots) != 0 {
		slots = make(timeSlots, len(lp.timeSlots))
		for k, v := range lp.timeSlots {
			slots[k] = v
		}
	}
	return fields, slots
}

type timeSlots map[string]int64

// EncodeLogfObject encodes the slots in the key order.
func (ts timeSlots) EncodeLogfObject(e logf.FieldEncoder) error {
	keys := make([]string, 0, len(ts))
	for k := range ts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.EncodeFieldInt64(k, ts[k])
	}
	return nil
}

// LoggingOption represents a configuration option for the logging interceptor.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	callStart          bool
	excludedMethods    map[string]struct{}
	slowCallThreshold  time.Duration
	timeSlotsThreshold time.Duration
	metadataFields     map[string]string
}

// WithLoggingCallStart enables logging of call start events.
func WithLoggingCallStart(logCallStart bool) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callStart = logCallStart
	}
}

// WithLoggingExcludedMethods specifies full method names that are logged only when they fail.
func WithLoggingExcludedMethods(methods ...string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.excludedMethods = methodSet(methods)
	}
}

// WithLoggingSlowCallThreshold sets the duration after which a call is marked as slow.
func WithLoggingSlowCallThreshold(threshold time.Duration) LoggingOption {
	return func(opts *loggingOptions) {
		opts.slowCallThreshold = threshold
	}
}

// WithLoggingTimeSlotsThreshold sets the minimal call duration for which time slots are logged.
// Zero means time slots are logged only for slow calls.
func WithLoggingTimeSlotsThreshold(threshold time.Duration) LoggingOption {
	return func(opts *loggingOptions) {
		opts.timeSlotsThreshold = threshold
	}
}

// WithLoggingCallMetadata adds the first value of every listed metadata key to the call log fields.
// The field name is the key with dashes replaced by underscores and the "x-" prefix trimmed
// ("x-agent-id" is logged as "agent_id").
func WithLoggingCallMetadata(keys ...string) LoggingOption {
	return func(opts *loggingOptions) {
		if opts.metadataFields == nil {
			opts.metadataFields = make(map[string]string, len(keys))
		}
		for _, key := range keys {
			key = strings.ToLower(key)
			opts.metadataFields[key] = strings.ReplaceAll(strings.TrimPrefix(key, "x-"), "-", "_")
		}
	}
}

func newLoggingOptions(options []LoggingOption) *loggingOptions {
	opts := &loggingOptions{slowCallThreshold: DefaultSlowCallThreshold}
	for _, option := range options {
		option(opts)
	}
	if opts.timeSlotsThreshold <= 0 {
		opts.timeSlotsThreshold = opts.slowCallThreshold
	}
	return opts
}

// LoggingUnaryInterceptor is a gRPC unary interceptor that puts a call-scoped logger into the context
// and logs the end (and optionally the start) of each call.
func LoggingUnaryInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.UnaryServerInterceptor {
	opts := newLoggingOptions(options)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var resp interface{}
		err := opts.logCall(ctx, logger, info.FullMethod, CallMethodTypeUnary, func(ctx context.Context) (err error) {
			resp, err = handler(ctx, req)
			return err
		})
		return resp, err
	}
}

// LoggingStreamInterceptor is the stream counterpart of LoggingUnaryInterceptor.
func LoggingStreamInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.StreamServerInterceptor {
	opts := newLoggingOptions(options)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return opts.logCall(ss.Context(), logger, info.FullMethod, CallMethodTypeStream, func(ctx context.Context) error {
			return handler(srv, &WrappedServerStream{ServerStream: ss, Ctx: ctx})
		})
	}
}

func (opts *loggingOptions) logCall(
	ctx context.Context, logger log.FieldLogger, fullMethod string, methodType CallMethodType,
	next func(ctx context.Context) error,
) error {
	ctx, info := callInfoOrNew(ctx, fullMethod, methodType)
	callLogger := logger.With(opts.callFields(ctx, info)...)
	_, excluded := opts.excludedMethods[fullMethod]

	if opts.callStart && !excluded {
		callLogger.Info("gRPC call started")
	}

	lp := &LoggingParams{}
	err := next(NewContextWithLoggingParams(NewContextWithLogger(ctx, callLogger), lp))

	code := status.Code(err)
	if excluded && err == nil {
		return err
	}
	duration := time.Since(info.StartTime)
	fields, slots := lp.snapshot()
	fields = append(fields, log.String("grpc_code", code.String()), log.Int64("duration_ms", duration.Milliseconds()))
	if err != nil {
		fields = append(fields, log.String("grpc_error", err.Error()))
	}
	if duration >= opts.slowCallThreshold {
		fields = append(fields, log.Bool("slow_request", true))
	}
	if slots != nil && duration >= opts.timeSlotsThreshold {
		fields = append(fields, log.Field{Key: "time_slots", Type: logf.FieldTypeObject, Any: slots})
	}
	callLogger.Info(fmt.Sprintf("gRPC call finished in %.3fs", duration.Seconds()), fields...)
	return err
}

func (opts *loggingOptions) callFields(ctx context.Context, info *CallInfo) []log.Field {
	fields := make([]log.Field, 0, 7+len(opts.metadataFields))
	fields = append(fields,
		log.String("request_id", info.RequestID),
		log.String("int_request_id", info.InternalRequestID),
		log.String("grpc_service", info.Service),
		log.String("grpc_method", info.Method),
		log.String("grpc_method_type", string(info.MethodType)),
		log.String("remote_addr", info.RemoteAddr),
		log.String("user_agent", info.UserAgent),
	)
	for key, field := range opts.metadataFields {
		if val := firstMetadataValue(ctx, key); val != "" {
			fields = append(fields, log.String(field, val))
		}
	}
	return fields
}
