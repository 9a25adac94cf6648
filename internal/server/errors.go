package server

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/ingestion"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/query"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	accountHeader   = "x-account"
	requestIDHeader = "x-request-id"
)

// CodeFor maps a ledger error to its gRPC status code.
func CodeFor(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrStaleAttestation),
		errors.Is(err, core.ErrPredicateNotSatisfied):
		return codes.FailedPrecondition
	case errors.Is(err, confidential.ErrMalformedCiphertext),
		errors.Is(err, core.ErrInvalidLeverage),
		errors.Is(err, ingestion.ErrInvalidCommand),
		errors.Is(err, oracle.ErrInvalidAttestation):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatusFor maps a gRPC code to the HTTP surface. A failed
// precondition is a conflict with ledger state, not a bad request.
func HTTPStatusFor(code codes.Code) int {
	if code == codes.FailedPrecondition {
		return http.StatusConflict
	}
	return runtime.HTTPStatusFromCode(code)
}

// errorTranslator turns sentinel errors into status errors
func errorTranslator() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return resp, err
		}
		return resp, status.Error(CodeFor(err), err.Error())
	}
}

// requestIDInjector copies x-request-id into the context and echoes it
// back as a response header.
func requestIDInjector() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if requestID := firstMetadata(ctx, requestIDHeader); requestID != "" {
			ctx = core.WithRequestID(ctx, requestID)
			_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))
		}
		return handler(ctx, req)
	}
}

func requestLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		var evt *zerolog.Event
		switch code {
		case codes.OK:
			evt = logger.Debug()
		case codes.Internal, codes.Unknown:
			evt = logger.Error().Err(err)
		default:
			evt = logger.Info().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
