/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/admission"
	"github.com/acronis/go-ingestgate/log"
)

// AdmissionLogFieldBacklogged is the name of the logged field that indicates if the call was queued before admission.
const AdmissionLogFieldBacklogged = "admission_backlogged"

// AdmissionLogFieldOutcome is the name of the logged field that contains the admission outcome of a rejected call.
const AdmissionLogFieldOutcome = "admission_outcome"

// AdmissionTimeSlotWait is the name of the time slot that contains the time the call spent in the admission queue.
const AdmissionTimeSlotWait = "admission_wait_ms"

// DefaultAdmissionRejectLogInterval is the default minimal interval between two logged rejections.
const DefaultAdmissionRejectLogInterval = time.Second

// AdmissionGate is a gate that decides whether a call may proceed.
// admission.Gate implements it.
type AdmissionGate interface {
	Acquire(ctx context.Context) (*admission.Slot, error)
}

// AdmissionParams contains data that relates to the admission procedure
// and could be used for rejecting the call.
type AdmissionParams struct {
	UnaryGetRetryAfter  AdmissionUnaryGetRetryAfterFunc
	StreamGetRetryAfter AdmissionStreamGetRetryAfterFunc
	Outcome             admission.Outcome
	Err                 error
	// LogRejection is false when the rejection should not be logged because of the log rate limiting.
	LogRejection bool
}

// AdmissionUnaryOnRejectFunc is a function that is called for rejecting gRPC unary call that was not admitted.
type AdmissionUnaryOnRejectFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params AdmissionParams) (interface{}, error)

// AdmissionStreamOnRejectFunc is a function that is called for rejecting gRPC stream call that was not admitted.
type AdmissionStreamOnRejectFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, handler grpc.StreamHandler, params AdmissionParams) error

// AdmissionUnaryGetRetryAfterFunc is a function that is called to get a value for retry-after header
// when a unary call is rejected.
type AdmissionUnaryGetRetryAfterFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo) time.Duration

// AdmissionStreamGetRetryAfterFunc is a function that is called to get a value for retry-after header
// when a stream call is rejected.
type AdmissionStreamGetRetryAfterFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo) time.Duration

// AdmissionOption represents a configuration option for the admission interceptor.
type AdmissionOption func(*admissionOptions)

type admissionOptions struct {
	unaryOnReject       AdmissionUnaryOnRejectFunc
	streamOnReject      AdmissionStreamOnRejectFunc
	unaryGetRetryAfter  AdmissionUnaryGetRetryAfterFunc
	streamGetRetryAfter AdmissionStreamGetRetryAfterFunc
	rejectLogInterval   time.Duration
}

// WithAdmissionUnaryOnReject sets the callback for handling rejected unary calls.
func WithAdmissionUnaryOnReject(onReject AdmissionUnaryOnRejectFunc) AdmissionOption {
	return func(opts *admissionOptions) {
		opts.unaryOnReject = onReject
	}
}

// WithAdmissionStreamOnReject sets the callback for handling rejected stream calls.
func WithAdmissionStreamOnReject(onReject AdmissionStreamOnRejectFunc) AdmissionOption {
	return func(opts *admissionOptions) {
		opts.streamOnReject = onReject
	}
}

// WithAdmissionUnaryGetRetryAfter sets the function to calculate retry-after value for unary calls.
func WithAdmissionUnaryGetRetryAfter(getRetryAfter AdmissionUnaryGetRetryAfterFunc) AdmissionOption {
	return func(opts *admissionOptions) {
		opts.unaryGetRetryAfter = getRetryAfter
	}
}

// WithAdmissionStreamGetRetryAfter sets the function to calculate retry-after value for stream calls.
func WithAdmissionStreamGetRetryAfter(getRetryAfter AdmissionStreamGetRetryAfterFunc) AdmissionOption {
	return func(opts *admissionOptions) {
		opts.streamGetRetryAfter = getRetryAfter
	}
}

// WithAdmissionRejectLogInterval sets the minimal interval between two logged rejections.
// Zero or negative value means that every rejection is logged.
func WithAdmissionRejectLogInterval(interval time.Duration) AdmissionOption {
	return func(opts *admissionOptions) {
		opts.rejectLogInterval = interval
	}
}

// AdmissionUnaryInterceptor is a gRPC unary interceptor that admits calls through the gate.
// The slot is released when the handler returns, panics or the call is cancelled.
func AdmissionUnaryInterceptor(gate AdmissionGate, options ...AdmissionOption) func(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	return newAdmissionHandler(gate, options...).handleUnary
}

// AdmissionStreamInterceptor is a gRPC stream interceptor that admits calls through the gate.
// The slot is held for the whole lifetime of the stream.
func AdmissionStreamInterceptor(gate AdmissionGate, options ...AdmissionOption) func(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	return newAdmissionHandler(gate, options...).handleStream
}

type admissionHandler struct {
	gate                AdmissionGate
	unaryOnReject       AdmissionUnaryOnRejectFunc
	streamOnReject      AdmissionStreamOnRejectFunc
	unaryGetRetryAfter  AdmissionUnaryGetRetryAfterFunc
	streamGetRetryAfter AdmissionStreamGetRetryAfterFunc
	rejectLogSometimes  *rate.Sometimes
}

func newAdmissionHandler(gate AdmissionGate, options ...AdmissionOption) *admissionHandler {
	opts := &admissionOptions{
		unaryOnReject:     DefaultAdmissionUnaryOnReject,
		streamOnReject:    DefaultAdmissionStreamOnReject,
		rejectLogInterval: DefaultAdmissionRejectLogInterval,
	}
	for _, option := range options {
		option(opts)
	}
	h := &admissionHandler{
		gate:                gate,
		unaryOnReject:       opts.unaryOnReject,
		streamOnReject:      opts.streamOnReject,
		unaryGetRetryAfter:  opts.unaryGetRetryAfter,
		streamGetRetryAfter: opts.streamGetRetryAfter,
	}
	if opts.rejectLogInterval > 0 {
		h.rejectLogSometimes = &rate.Sometimes{Interval: opts.rejectLogInterval}
	}
	return h
}

func (h *admissionHandler) handleUnary(
	ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
) (interface{}, error) {
	slot, err := h.gate.Acquire(ctx)
	if err != nil {
		params := h.makeParams(err)
		params.UnaryGetRetryAfter = h.unaryGetRetryAfter
		return h.unaryOnReject(ctx, req, info, handler, params)
	}
	defer slot.Release()
	annotateAdmittedCall(ctx, slot)
	return handler(ctx, req)
}

func (h *admissionHandler) handleStream(
	srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler,
) error {
	slot, err := h.gate.Acquire(ss.Context())
	if err != nil {
		params := h.makeParams(err)
		params.StreamGetRetryAfter = h.streamGetRetryAfter
		return h.streamOnReject(srv, ss, info, handler, params)
	}
	defer slot.Release()
	annotateAdmittedCall(ss.Context(), slot)
	return handler(srv, ss)
}

func (h *admissionHandler) makeParams(err error) AdmissionParams {
	params := AdmissionParams{Outcome: admission.OutcomeFromError(err), Err: err}
	if h.rejectLogSometimes == nil {
		params.LogRejection = true
	} else {
		h.rejectLogSometimes.Do(func() { params.LogRejection = true })
	}
	return params
}

func annotateAdmittedCall(ctx context.Context, slot *admission.Slot) {
	lp := GetLoggingParamsFromContext(ctx)
	if lp == nil {
		return
	}
	lp.ExtendFields(log.Bool(AdmissionLogFieldBacklogged, slot.Backlogged()))
	if slot.Backlogged() {
		lp.AddTimeSlotDurationInMs(AdmissionTimeSlotWait, slot.WaitDuration())
	}
}

// DefaultAdmissionUnaryOnReject sends gRPC error response when a unary call is not admitted.
func DefaultAdmissionUnaryOnReject(
	ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, _ grpc.UnaryHandler, params AdmissionParams,
) (interface{}, error) {
	logger := GetLoggerFromContext(ctx)
	if params.Outcome == admission.OutcomeRejectedCapacity || params.Outcome == admission.OutcomeRejectedTimeout {
		if params.UnaryGetRetryAfter != nil {
			md := makeRetryAfterMetadata(params.UnaryGetRetryAfter(ctx, req, info))
			if err := grpc.SetHeader(ctx, md); err != nil && logger != nil {
				logger.Warn("failed to set retry-after header", log.Error(err))
			}
		}
	}
	return nil, admissionRejectionError(ctx, logger, params)
}

// DefaultAdmissionStreamOnReject sends gRPC error response when a stream call is not admitted.
func DefaultAdmissionStreamOnReject(
	srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, _ grpc.StreamHandler, params AdmissionParams,
) error {
	ctx := ss.Context()
	logger := GetLoggerFromContext(ctx)
	if params.Outcome == admission.OutcomeRejectedCapacity || params.Outcome == admission.OutcomeRejectedTimeout {
		if params.StreamGetRetryAfter != nil {
			md := makeRetryAfterMetadata(params.StreamGetRetryAfter(srv, ss, info))
			if err := ss.SetHeader(md); err != nil && logger != nil {
				logger.Warn("failed to set retry-after header", log.Error(err))
			}
		}
	}
	return admissionRejectionError(ctx, logger, params)
}

func makeRetryAfterMetadata(retryAfter time.Duration) metadata.MD {
	retryAfterSeconds := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return metadata.Pairs("retry-after", strconv.Itoa(retryAfterSeconds))
}

// admissionRejectionError logs the rejection and converts it to the gRPC status error.
func admissionRejectionError(ctx context.Context, logger log.FieldLogger, params AdmissionParams) error {
	switch params.Outcome {
	case admission.OutcomeCancelled:
		// The peer has gone, there is nobody to answer and nothing to alert about.
		if logger != nil {
			logger.Debug("call cancelled while waiting for admission", log.Error(params.Err))
		}
		ctxErr := ctx.Err()
		if ctxErr == nil {
			ctxErr = context.Canceled
			if errors.Is(params.Err, context.DeadlineExceeded) {
				ctxErr = context.DeadlineExceeded
			}
		}
		return status.FromContextError(ctxErr).Err()

	case admission.OutcomeRejectedClosed:
		if logger != nil && params.LogRejection {
			logger.Warn("call rejected, server is shutting down",
				log.String(AdmissionLogFieldOutcome, params.Outcome.String()))
		}
		return status.Error(codes.Unavailable, "Server is shutting down")

	default:
		if logger != nil && params.LogRejection {
			logger.Warn("call rejected by admission gate",
				log.String(AdmissionLogFieldOutcome, params.Outcome.String()), log.Error(params.Err))
		}
		return status.Error(codes.ResourceExhausted, "Too many concurrent calls")
	}
}
