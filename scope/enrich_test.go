package scope

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestEnrichOutsideScopeIsNoOp(t *testing.T) {
	ctx := context.Background()

	// None of these may panic or have any observable effect.
	Enrich(ctx, slog.String("question", "ignored"))
	Set(ctx, "question", "ignored")
	Add(ctx, "tokens", 5)
	RecordError(ctx, errors.New("ignored"))
	RecordErrorDetail(ctx, "kind", "ignored", nil)

	if FromContext(ctx) != nil {
		t.Error("Expected no scope on a bare context")
	}
}

func TestEnrichResolvesAttrValues(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)
	ctx, s := mgr.Start(context.Background(), "test", Metadata{})

	Enrich(ctx,
		slog.String("question", "why?"),
		slog.Int64("retries", 3),
		slog.Bool("cached", true),
		slog.Group("usage",
			slog.Int64("total_tokens", 300),
			slog.String("model", "gemini"),
		),
	)
	if err := s.Close(StatusOK); err != nil {
		t.Fatal(err)
	}

	fields := capture.emitted()[0].Fields()
	if fields["question"] != "why?" {
		t.Errorf("Expected string preserved, got %v", fields["question"])
	}
	if fields["retries"] != int64(3) {
		t.Errorf("Expected int64 preserved, got %v (%T)", fields["retries"], fields["retries"])
	}
	if fields["cached"] != true {
		t.Errorf("Expected bool preserved, got %v", fields["cached"])
	}
	usage, ok := fields["usage"].(map[string]any)
	if !ok {
		t.Fatalf("Expected group resolved to a map, got %T", fields["usage"])
	}
	if usage["total_tokens"] != int64(300) || usage["model"] != "gemini" {
		t.Errorf("Expected group members preserved, got %v", usage)
	}
}

func TestRecordErrorUsesTypeAsKind(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)
	ctx, s := mgr.Start(context.Background(), "test", Metadata{})

	RecordError(ctx, errEnrichSentinel{})
	if err := s.Close(StatusError); err != nil {
		t.Fatal(err)
	}

	errs := capture.emitted()[0].Errors()
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Kind != "scope.errEnrichSentinel" {
		t.Errorf("Expected kind from error type, got %q", errs[0].Kind)
	}
	if errs[0].Message != "sentinel failure" {
		t.Errorf("Expected error message, got %q", errs[0].Message)
	}
}

type errEnrichSentinel struct{}

func (errEnrichSentinel) Error() string { return "sentinel failure" }

func TestWithScopeRoundTrip(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)
	_, s := mgr.Start(context.Background(), "test", Metadata{})

	ctx := WithScope(context.Background(), s)
	if FromContext(ctx) != s {
		t.Error("Expected scope to round-trip through the context")
	}
}
