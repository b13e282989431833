package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterHinter is implemented by errors carrying a Retry-After hint.
type RetryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// UpstreamError is returned by HTTP clients for non-2xx responses.
type UpstreamError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned http %d", e.Code)
	}
	return fmt.Sprintf("upstream returned http %d: %s", e.Code, e.Body)
}

func (e *UpstreamError) StatusCode() int { return e.Code }

func (e *UpstreamError) RetryAfterHint() time.Duration { return e.RetryAfter }

var networkPatterns = []string{
	"connection reset",
	"no such host",
	"econnreset",
	"enotfound",
	"etimedout",
	"broken pipe",
}

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// Classify maps a raw failure onto the taxonomy. It is pure: meta is
// attached as context but never mutated.
func Classify(err error, meta map[string]any) *Error {
	if err == nil {
		return nil
	}

	// 1. Already normalized
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	build := func(kind Kind) *Error {
		return &Error{Kind: kind, Message: msg, Status: kind.Status(), Context: meta, Err: err}
	}

	// 2. Network faults
	if isNetworkFault(err, lower) {
		return build(KindNetwork)
	}

	// 3. Connection refused
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(lower, "connection refused") {
		return build(KindServiceUnavailable)
	}

	// 4. Upstream status
	if code, retryAfter, ok := upstreamStatus(err); ok {
		e := build(KindFromStatus(code))
		if e.Kind == KindRateLimit {
			e.RetryAfter = retryAfter
		}
		return e
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		if kind, mapped := kindFromGRPC(st.Code()); mapped {
			e := build(kind)
			e.Message = st.Message()
			return e
		}
	}

	// 5. Circuit open marker
	if errors.Is(err, ErrCircuitOpen) {
		return build(KindCircuitOpen)
	}

	// 6. Timeouts
	if errors.Is(err, context.DeadlineExceeded) || containsAny(lower, timeoutPatterns) {
		return build(KindTimeout)
	}

	// 7. Default
	return build(KindInternal)
}

// KindFromStatus maps an upstream HTTP status onto a kind.
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusBadRequest:
		return KindValidation
	case code == http.StatusUnauthorized:
		return KindAuth
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return KindServiceUnavailable
	case code >= 500:
		return KindExternalDependency
	case code >= 400:
		return KindValidation
	default:
		return KindInternal
	}
}

func isNetworkFault(err error, lower string) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Connect timeouts belong to the network, not to the call budget
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return true
	}

	return containsAny(lower, networkPatterns)
}

func upstreamStatus(err error) (int, time.Duration, bool) {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code != 0 {
		return gErr.Code, ParseRetryAfter(gErr.Header.Get("Retry-After"), time.Now()), true
	}

	var coder StatusCoder
	if errors.As(err, &coder) && coder.StatusCode() != 0 {
		var retryAfter time.Duration
		var hinter RetryAfterHinter
		if errors.As(err, &hinter) {
			retryAfter = hinter.RetryAfterHint()
		}
		return coder.StatusCode(), retryAfter, true
	}

	return 0, 0, false
}

func kindFromGRPC(code codes.Code) (Kind, bool) {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return KindValidation, true
	case codes.Unauthenticated:
		return KindAuth, true
	case codes.PermissionDenied:
		return KindForbidden, true
	case codes.NotFound:
		return KindNotFound, true
	case codes.ResourceExhausted:
		return KindRateLimit, true
	case codes.Unavailable:
		return KindServiceUnavailable, true
	case codes.DeadlineExceeded:
		return KindTimeout, true
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Aborted:
		return KindExternalDependency, true
	default:
		return "", false
	}
}

// ParseRetryAfter parses a Retry-After header (delta seconds or HTTP date).
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
