package middleware

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/canonlog/canonlog/scope"
)

func invokeUnary(t *testing.T, cfg Config, handler grpc.UnaryHandler) (any, error) {
	t.Helper()
	interceptor := UnaryServerInterceptor(cfg)
	info := &grpc.UnaryServerInfo{FullMethod: "/chat.Chat/Ask"}
	return interceptor(context.Background(), "request", info, handler)
}

func TestUnaryInterceptorEmitsOnSuccess(t *testing.T) {
	cfg, capture := newTestConfig()

	resp, err := invokeUnary(t, cfg, func(ctx context.Context, req any) (any, error) {
		scope.Add(ctx, "tokens", 10)
		return "response", nil
	})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	if resp != "response" {
		t.Errorf("Expected response passed through, got %v", resp)
	}

	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 wide event, got %d", len(emitted))
	}
	b := emitted[0]
	if b.Name() != "/chat.Chat/Ask" {
		t.Errorf("Expected scope named by full method, got %q", b.Name())
	}
	if b.Metadata().Method != "grpc" || b.Metadata().Path != "/chat.Chat/Ask" {
		t.Errorf("Expected grpc metadata, got %+v", b.Metadata())
	}
	if b.Counters()["tokens"] != 10 {
		t.Errorf("Expected handler enrichment, got %v", b.Counters())
	}
	if b.Status() != scope.StatusOK {
		t.Errorf("Expected status ok, got %q", b.Status())
	}
}

func TestUnaryInterceptorRecordsStatusError(t *testing.T) {
	cfg, capture := newTestConfig()

	wantErr := status.Error(codes.DeadlineExceeded, "model timed out")
	_, err := invokeUnary(t, cfg, func(ctx context.Context, req any) (any, error) {
		return nil, wantErr
	})
	if err == nil {
		t.Fatal("Expected handler error back")
	}

	b := capture.emitted()[0]
	if b.Status() != scope.StatusError {
		t.Errorf("Expected status error, got %q", b.Status())
	}
	if b.Metadata().StatusCode != int(codes.DeadlineExceeded) {
		t.Errorf("Expected grpc code captured, got %d", b.Metadata().StatusCode)
	}
	errs := b.Errors()
	if len(errs) != 1 || errs[0].Kind != "grpc.DeadlineExceeded" {
		t.Errorf("Expected grpc error record, got %v", errs)
	}
}

func TestUnaryInterceptorEmitsOnPanic(t *testing.T) {
	cfg, capture := newTestConfig()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		_, _ = invokeUnary(t, cfg, func(ctx context.Context, req any) (any, error) {
			panic("rpc exploded")
		})
	}()

	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 wide event despite panic, got %d", len(emitted))
	}
	b := emitted[0]
	if b.Status() != scope.StatusError {
		t.Errorf("Expected status error, got %q", b.Status())
	}
	if len(b.Errors()) != 1 || b.Errors()[0].Kind != "panic" {
		t.Errorf("Expected panic error record, got %v", b.Errors())
	}
}

func TestServerOptionsIncludeInterceptor(t *testing.T) {
	cfg, _ := newTestConfig()
	opts := ServerOptions(cfg)
	if len(opts) != 2 {
		t.Fatalf("Expected stats handler plus interceptor chain, got %d options", len(opts))
	}
}
