// Package crm records booking contacts in an external CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/storage"
)

// Result is the outcome of UpsertContact. Success=false is a soft failure.
type Result struct {
	Success   bool   `json:"success"`
	ContactID string `json:"contact_id,omitempty"`
	Created   bool   `json:"created,omitempty"`
	Error     string `json:"error,omitempty"`
	Deferred  bool   `json:"deferred,omitempty"`
}

// Client upserts CRM contacts. It returns an error only for transient
// failures; rejected requests come back as Result{Success: false}.
type Client interface {
	UpsertContact(ctx context.Context, booking *domain.Booking) (Result, error)
}

// Unconfigured is used when no CRM endpoint is set. Every call is a soft failure.
type Unconfigured struct{}

func (Unconfigured) UpsertContact(ctx context.Context, b *domain.Booking) (Result, error) {
	return Result{Success: false, Error: "crm integration is not configured"}, nil
}

// HTTPClient implements Client against a JSON REST CRM keyed by email.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a CRM client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type contactRequest struct {
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Organization string    `json:"organization"`
	Inquiry      string    `json:"inquiry"`
	BookingID    string    `json:"booking_id"`
	MeetingStart time.Time `json:"meeting_start"`
	Source       string    `json:"source"`
}

type contactResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// UpsertContact creates or updates the contact identified by the booking email.
func (c *HTTPClient) UpsertContact(ctx context.Context, b *domain.Booking) (Result, error) {
	body, err := json.Marshal(contactRequest{
		Email:        b.Email,
		Name:         b.Name,
		Organization: b.Organization,
		Inquiry:      b.Inquiry,
		BookingID:    b.ID,
		MeetingStart: b.Start,
		Source:       "intake",
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/contacts", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("crm call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &apperr.UpstreamError{
			Code:       resp.StatusCode,
			RetryAfter: apperr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(respBody)),
		}
		if apperr.KindFromStatus(resp.StatusCode).IsRetryable() {
			return Result{}, upstream
		}
		return Result{Success: false, Error: upstream.Error()}, nil
	}

	var out contactResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("parse response: %v", err)}, nil
	}
	return Result{Success: true, ContactID: out.ID, Created: out.Created}, nil
}

// Ping checks the CRM health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apperr.UpstreamError{Code: resp.StatusCode}
	}
	return nil
}

// Register binds client behind the orchestrator. When the call fails for
// good the booking is pushed to queue for later replay.
func Register(o *dependency.Orchestrator, client Client, queue storage.DeferredQueue) error {
	if err := o.Handle(domain.DependencyCRM, domain.OpUpsertContact, func(ctx context.Context, args any) (any, error) {
		b, err := bookingArg(args)
		if err != nil {
			return nil, err
		}
		return client.UpsertContact(ctx, b)
	}); err != nil {
		return err
	}

	o.Fallback(domain.DependencyCRM, domain.OpUpsertContact, func(ctx context.Context, args any, primaryErr *apperr.Error) (any, error) {
		b, err := bookingArg(args)
		if err != nil {
			return nil, err
		}
		if err := storage.Defer(ctx, queue, domain.DeferredSideEffect{
			BookingID:  b.ID,
			Dependency: domain.DependencyCRM,
			EnqueuedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
		return Result{
			Deferred: true,
			Error:    fmt.Sprintf("crm unavailable, contact sync deferred: %s", primaryErr.Message),
		}, nil
	})
	return nil
}

func bookingArg(args any) (*domain.Booking, error) {
	b, ok := args.(*domain.Booking)
	if !ok || b == nil {
		return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("upsertContact: unexpected args %T", args))
	}
	return b, nil
}
