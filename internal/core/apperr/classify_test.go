package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect Kind
	}{
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindNetwork},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "crm.local"}, KindNetwork},
		{"dial timeout", &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}, KindNetwork},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindServiceUnavailable},
		{"400", &UpstreamError{Code: 400}, KindValidation},
		{"401", &UpstreamError{Code: 401}, KindAuth},
		{"403", &UpstreamError{Code: 403}, KindForbidden},
		{"404", &UpstreamError{Code: 404}, KindNotFound},
		{"429", &UpstreamError{Code: 429}, KindRateLimit},
		{"502", &UpstreamError{Code: 502}, KindServiceUnavailable},
		{"503", &UpstreamError{Code: 503}, KindServiceUnavailable},
		{"504", &UpstreamError{Code: 504}, KindServiceUnavailable},
		{"500", &UpstreamError{Code: 500}, KindExternalDependency},
		{"googleapi 503", &googleapi.Error{Code: 503}, KindServiceUnavailable},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), KindServiceUnavailable},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), KindRateLimit},
		{"circuit marker", fmt.Errorf("llm: %w", ErrCircuitOpen), KindCircuitOpen},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"timeout message", errors.New("request timed out"), KindTimeout},
		{"default", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, nil)
			if got.Kind != tt.expect {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got.Kind, tt.expect)
			}
			if got.Status != tt.expect.Status() {
				t.Errorf("Status = %d, want %d", got.Status, tt.expect.Status())
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	original := Validation("email", "invalid_email", "bad email")
	wrapped := fmt.Errorf("turn: %w", original)

	got := Classify(wrapped, map[string]any{"session": "s1"})
	if got != original {
		t.Fatalf("expected the original error to pass through unchanged")
	}
	if got.Context != nil {
		t.Errorf("pass-through must not attach context, got %v", got.Context)
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	err := &UpstreamError{Code: 429, RetryAfter: 3 * time.Second}
	got := Classify(err, nil)
	if got.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got.RetryAfter)
	}

	header := http.Header{}
	header.Set("Retry-After", "7")
	gErr := &googleapi.Error{Code: 429, Header: header}
	if got := Classify(gErr, nil); got.RetryAfter != 7*time.Second {
		t.Errorf("googleapi RetryAfter = %v, want 7s", got.RetryAfter)
	}
}

func TestClassify_KeepsContext(t *testing.T) {
	meta := map[string]any{"dependency": "crm"}
	got := Classify(errors.New("boom"), meta)
	if got.Context["dependency"] != "crm" {
		t.Errorf("expected context to be attached, got %v", got.Context)
	}
	if !errors.Is(got, got.Err) {
		t.Errorf("expected classified error to unwrap to its cause")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if d := ParseRetryAfter("5", now); d != 5*time.Second {
		t.Errorf("expected 5s, got %v", d)
	}
	if d := ParseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now); d != 10*time.Second {
		t.Errorf("expected 10s, got %v", d)
	}
	if d := ParseRetryAfter("garbage", now); d != 0 {
		t.Errorf("expected 0, got %v", d)
	}
}

func TestKindRetryable(t *testing.T) {
	for _, k := range []Kind{KindExternalDependency, KindNetwork, KindTimeout, KindRateLimit, KindServiceUnavailable} {
		if !k.IsRetryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindValidation, KindAuth, KindForbidden, KindNotFound, KindCircuitOpen, KindInternal} {
		if k.IsRetryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
