package common

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/models"
)

// DefaultTimeout bounds one send call against a provider API. Exceeding it
// surfaces as a transport error, not a canonical status.
const DefaultTimeout = 30 * time.Second

// Request is the wire-ready description of one provider send call produced
// by a payload builder.
type Request struct {
	Method string // defaults to POST
	URL    string
	Header http.Header
	Body   []byte

	// Recipients carries to+cc+bcc so the response normalizer can key its
	// per-recipient statuses.
	Recipients []models.EmailAddress
}

// Response is the raw provider response handed to the response normalizer.
type Response struct {
	StatusCode int
	Body       []byte
}

// PayloadBuilder turns one canonical Message into a provider-specific
// request, and a raw response back into a normalized SendStatus. One
// implementation per REST provider.
type PayloadBuilder interface {
	ESPName() string
	BuildRequest(msg *models.Message) (*Request, error)
	ParseResponse(req *Request, resp *Response) (*models.SendStatus, error)
}

// StatusAcceptor lets a builder accept additional HTTP statuses that carry
// parseable per-recipient detail (e.g. Postmark's 422) instead of having the
// transport raise an APIError.
type StatusAcceptor interface {
	AcceptsStatus(code int) bool
}

// TransportOption customises an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if timeout > 0 {
			t.client.Timeout = timeout
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// HTTPTransport executes provider send calls. One transport holds a single
// pooled HTTP client so sequential sends reuse connections; callers release
// it with Close when done. No retries: transient-failure policy belongs to
// the caller, wrapped around the whole pipeline.
type HTTPTransport struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPTransport constructs a transport with the default 30s timeout.
func NewHTTPTransport(logger zerolog.Logger, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Do builds the request for msg, posts it, and normalizes the response.
// A non-2xx status the builder does not explicitly accept becomes an
// APIError and no SendStatus is produced.
func (t *HTTPTransport) Do(ctx context.Context, builder PayloadBuilder, msg *models.Message) (*models.SendStatus, error) {
	req, err := builder.BuildRequest(msg)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", builder.ESPName(), err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: post: %w", builder.ESPName(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", builder.ESPName(), err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: body}
	if !acceptableStatus(builder, httpResp.StatusCode) {
		t.logger.Warn().
			Str("esp", builder.ESPName()).
			Int("status_code", httpResp.StatusCode).
			Msg("provider send call failed")
		return nil, &APIError{ESPName: builder.ESPName(), StatusCode: httpResp.StatusCode, Body: body}
	}

	status, err := builder.ParseResponse(req, resp)
	if err != nil {
		return nil, err
	}
	status.RawResponse = body
	t.logger.Debug().
		Str("esp", builder.ESPName()).
		Int("status_code", httpResp.StatusCode).
		Int("recipients", len(status.Recipients)).
		Msg("provider send call completed")
	return status, nil
}

// Close releases pooled connections. Safe to call multiple times.
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

func acceptableStatus(builder PayloadBuilder, code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	if acceptor, ok := builder.(StatusAcceptor); ok {
		return acceptor.AcceptsStatus(code)
	}
	return false
}
