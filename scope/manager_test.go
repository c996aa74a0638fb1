package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// captureEmitter records every emitted bucket for assertions.
type captureEmitter struct {
	mu      sync.Mutex
	buckets []*Bucket
}

func (c *captureEmitter) Emit(b *Bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = append(c.buckets, b)
}

func (c *captureEmitter) emitted() []*Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Bucket, len(c.buckets))
	copy(out, c.buckets)
	return out
}

func TestManagerTopLevelEmitsOnce(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	ctx, s := mgr.Start(context.Background(), "GET /chat", Metadata{Method: "GET", Path: "/chat"})
	Set(ctx, "question", "why is the sky blue?")
	Add(ctx, "tokens", 150)

	if err := s.Close(StatusOK); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected exactly 1 emission, got %d", len(emitted))
	}
	b := emitted[0]
	if b.Fields()["question"] != "why is the sky blue?" {
		t.Errorf("Expected question field, got %v", b.Fields()["question"])
	}
	if b.Counters()["tokens"] != 150 {
		t.Errorf("Expected tokens 150, got %d", b.Counters()["tokens"])
	}
	if b.Status() != StatusOK {
		t.Errorf("Expected status ok, got %q", b.Status())
	}
	if b.Metadata().Method != "GET" || b.Metadata().Path != "/chat" {
		t.Errorf("Expected metadata preserved, got %+v", b.Metadata())
	}
}

func TestManagerDoubleCloseDoesNotReEmit(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	_, s := mgr.Start(context.Background(), "test", Metadata{})
	if err := s.Close(StatusOK); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := s.Close(StatusError); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("Expected ErrAlreadyFinalized, got %v", err)
	}

	if got := len(capture.emitted()); got != 1 {
		t.Errorf("Expected exactly 1 emission after double close, got %d", got)
	}
}

func TestManagerChildMergesIntoParent(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	ctx, parent := mgr.Start(context.Background(), "POST /chat", Metadata{Method: "POST", Path: "/chat"})
	Add(ctx, "tokens", 100)

	childCtx, child := mgr.Start(ctx, "agent.run", Metadata{})
	Set(childCtx, "model", "gemini")
	Add(childCtx, "tokens", 200)
	RecordErrorDetail(childCtx, "tool", "search failed", nil)

	if err := child.Close(StatusOK); err != nil {
		t.Fatalf("Child close failed: %v", err)
	}
	// A child closing must never produce its own wide event.
	if got := len(capture.emitted()); got != 0 {
		t.Fatalf("Expected no emission from child close, got %d", got)
	}

	if err := parent.Close(StatusOK); err != nil {
		t.Fatalf("Parent close failed: %v", err)
	}
	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 emission, got %d", len(emitted))
	}
	b := emitted[0]

	// Child fields land namespaced under the child scope name.
	nested, ok := b.Fields()["agent.run"].(map[string]any)
	if !ok {
		t.Fatalf("Expected child fields nested under scope name, got %v", b.Fields())
	}
	if nested["model"] != "gemini" {
		t.Errorf("Expected child model field, got %v", nested["model"])
	}
	// Counters merge unprefixed.
	if b.Counters()["tokens"] != 300 {
		t.Errorf("Expected merged tokens 300, got %d", b.Counters()["tokens"])
	}
	// Child errors append to the parent list.
	if len(b.Errors()) != 1 || b.Errors()[0].Kind != "tool" {
		t.Errorf("Expected child error propagated, got %v", b.Errors())
	}
}

func TestManagerRunEmitsOnError(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	wantErr := errors.New("upstream timeout")
	err := mgr.Run(context.Background(), "job", func(ctx context.Context) error {
		Set(ctx, "attempt", 1)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected original error back, got %v", err)
	}

	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 emission despite error, got %d", len(emitted))
	}
	b := emitted[0]
	if b.Status() != StatusError {
		t.Errorf("Expected status error, got %q", b.Status())
	}
	if len(b.Errors()) == 0 {
		t.Error("Expected error recorded in bucket")
	}
}

func TestManagerRunEmitsOnPanic(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		_ = mgr.Run(context.Background(), "job", func(ctx context.Context) error {
			panic("boom")
		})
	}()

	emitted := capture.emitted()
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 emission despite panic, got %d", len(emitted))
	}
	b := emitted[0]
	if b.Status() != StatusError {
		t.Errorf("Expected status error, got %q", b.Status())
	}
	if len(b.Errors()) != 1 || b.Errors()[0].Kind != "panic" {
		t.Errorf("Expected panic error record, got %v", b.Errors())
	}
}

func TestManagerRunEmitsOnCancellation(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	err := mgr.Run(context.Background(), "job", func(ctx context.Context) error {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		return cancelled.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	emitted := capture.emitted()
	if len(emitted) != 1 || emitted[0].Status() != StatusError {
		t.Fatalf("Expected one error emission on cancellation, got %v", emitted)
	}
}

func TestManagerScopeIsolationAcrossContexts(t *testing.T) {
	capture := &captureEmitter{}
	mgr := NewManager(capture, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, s := mgr.Start(context.Background(), "worker", Metadata{})
			Set(ctx, "worker", n)
			_ = s.Close(StatusOK)
		}(i)
	}
	wg.Wait()

	emitted := capture.emitted()
	if len(emitted) != 10 {
		t.Fatalf("Expected 10 emissions, got %d", len(emitted))
	}
	seen := make(map[int]bool)
	for _, b := range emitted {
		n, ok := b.Fields()["worker"].(int)
		if !ok {
			t.Fatalf("Expected worker field, got %v", b.Fields())
		}
		if seen[n] {
			t.Errorf("Worker %d leaked into another scope", n)
		}
		seen[n] = true
	}
}
