package observability

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"meeting-transcript-service/internal/observability/metrics"
)

// UnaryServerInterceptor records metrics for unary calls, logs them and turns
// handler panics into codes.Internal.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = recovered(info.FullMethod, p)
			}
			observe(m, "unary", info.FullMethod, err, time.Since(start))
		}()

		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart, used by health Watch.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = recovered(info.FullMethod, p)
			}
			observe(m, "stream", info.FullMethod, err, time.Since(start))
		}()

		return handler(srv, ss)
	}
}

func recovered(method string, p any) error {
	log.Error().
		Str("method", method).
		Interface("panic", p).
		Bytes("stack", debug.Stack()).
		Msg("gRPC handler panicked")
	return status.Errorf(codes.Internal, "internal error")
}

func observe(m *metrics.Metrics, kind, method string, err error, d time.Duration) {
	code := status.Code(err)
	m.RecordRequest("grpc", method, code.String(), d.Seconds())

	log.WithLevel(levelFor(code)).
		Str("method", method).
		Str("kind", kind).
		Str("code", code.String()).
		Dur("duration", d).
		Msg("gRPC call")
}

// levelFor keeps successful health probes out of info logs.
func levelFor(code codes.Code) zerolog.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return zerolog.DebugLevel
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}
