package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"call-me/internal/domain"
)

type echoParams struct {
	Name string `json:"name"`
}

func TestExecutePipelineSuccess(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{"name":"pat"}`),
		func(_ context.Context, _ trace.Span, p echoParams) (any, error) {
			return map[string]any{"greeting": "hi " + p.Name}, nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "hi pat") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestExecutePipelineStringResult(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ echoParams) (any, error) {
			return "done", nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || result.Content != "done" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecutePipelineToolResultPassthrough(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ echoParams) (any, error) {
			return ErrResult("bad %s", "params")
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || result.Content != "bad params" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecutePipelineInvalidParams(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{"name":`),
		func(_ context.Context, _ trace.Span, _ echoParams) (any, error) {
			t.Fatal("handler must not run on bad params")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid params") {
		t.Errorf("result = %+v", result)
	}
}

func TestExecutePipelineRetryableError(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ echoParams) (any, error) {
			return nil, domain.NewDomainError("op", domain.ErrProviderError, "HTTP 503")
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || !result.IsRetryable {
		t.Errorf("result = %+v, want retryable error", result)
	}
	if !strings.Contains(result.Content, "transient") {
		t.Errorf("content = %q, want retry hint", result.Content)
	}
}

func TestExecutePipelineNonRetryableError(t *testing.T) {
	result, err := Execute(context.Background(), "tool.echo", testLogger(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ echoParams) (any, error) {
			return nil, domain.NewDomainError("op", domain.ErrInvalidInput, "nope")
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || result.IsRetryable {
		t.Errorf("result = %+v, want non-retryable error", result)
	}
}
