package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/canonlog/canonlog/scope"
	"github.com/canonlog/canonlog/telemetry"
)

// UnaryServerInterceptor opens a top-level scope per unary RPC. The span is
// expected from the otelgrpc stats handler, which runs before interceptors,
// so trace identifiers are already on the context.
func UnaryServerInterceptor(cfg Config) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		traceID, spanID := telemetry.SpanIDs(ctx)
		ctx, s := cfg.Manager.Start(ctx, info.FullMethod, scope.Metadata{
			Method:      "grpc",
			Path:        info.FullMethod,
			TraceID:     traceID,
			SpanID:      spanID,
			Project:     cfg.Project,
			Environment: cfg.Environment,
		})
		if cfg.Metrics != nil {
			cfg.Metrics.ScopeOpened(ctx)
		}

		defer func() {
			rec := recover()
			code := status.Code(err)
			st := scope.StatusOK
			if rec != nil {
				s.Bucket().RecordError("panic", fmt.Sprint(rec), nil)
				st = scope.StatusError
			} else if err != nil {
				s.Bucket().RecordError("grpc."+code.String(), err.Error(), nil)
				st = scope.StatusError
			}
			s.Bucket().SetStatusCode(int(code))
			_ = s.Close(st)

			if cfg.Metrics != nil {
				bg := context.Background()
				cfg.Metrics.IncrementRequests(bg, "grpc", int(code))
				cfg.Metrics.RecordRequestDuration(bg, "grpc", s.Bucket().Duration())
				cfg.Metrics.ScopeClosed(bg)
			}
			if rec != nil {
				panic(rec)
			}
		}()

		return handler(ctx, req)
	}
}

// ServerOptions bundles the scope interceptor with the otelgrpc stats
// handler the way instrumented servers are normally assembled.
func ServerOptions(cfg Config) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(cfg)),
	}
}
