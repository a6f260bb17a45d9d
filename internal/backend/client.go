// Package backend is the typed client of the marketplace messaging REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/httpclient"
	"github.com/yourorg/artmarket/conversation-sync/internal/metrics"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
)

const StatusSuccess = "success"

// Envelope wraps every REST response.
type Envelope struct {
	Status  string                `json:"status"`
	Data    json.RawMessage       `json:"data,omitempty"`
	Message string                `json:"message,omitempty"`
	Errors  []validate.FieldError `json:"errors,omitempty"`
}

// APIError is a response that was not a success envelope.
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Message    string
	// Fields lists the rejected request fields of a 400 response.
	Fields []validate.FieldError
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.Fields) > 0 {
		msg += " (" + (&validate.Error{Fields: e.Fields}).Error() + ")"
	}
	return fmt.Sprintf("%s: %d %s", e.Endpoint, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.ErrUnauthorized
	case http.StatusNotFound:
		return apperr.ErrNotFound
	}
	return apperr.ErrAction
}

type Client struct {
	base    string
	token   string
	self    string
	http    *httpclient.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds a client for the API at baseURL acting as user self with the
// given bearer token.
func New(baseURL, token, self string, hc *httpclient.Client, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		self:    self,
		http:    hc,
		log:     logger.Named("backend"),
		metrics: m,
	}
}

type call struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     any
	retry    bool
}

// do performs c and decodes the envelope's data into out (when non-nil).
func (cl *Client) do(ctx context.Context, c call, out any) error {
	err := cl.roundTrip(ctx, c, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		cl.log.Warn("request failed", zap.String("endpoint", c.endpoint), zap.Error(err))
	}
	cl.metrics.REST(c.endpoint, outcome)
	return err
}

func (cl *Client) roundTrip(ctx context.Context, c call, out any) error {
	u := cl.base + c.path
	if len(c.query) > 0 {
		u += "?" + c.query.Encode()
	}
	var body io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", c.endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", c.endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	var resp *http.Response
	if c.retry {
		resp, err = cl.http.DoWithRetry(ctx, req)
	} else {
		resp, err = cl.http.Do(ctx, req)
	}
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			return &APIError{Endpoint: c.endpoint, StatusCode: se.StatusCode}
		}
		return fmt.Errorf("%s: %w: %w", c.endpoint, apperr.ErrTransport, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{Endpoint: c.endpoint, StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("%s: decode envelope: %w: %w", c.endpoint, apperr.ErrMalformed, err)
	}
	if resp.StatusCode >= 300 || env.Status != StatusSuccess {
		return &APIError{Endpoint: c.endpoint, StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message, Fields: env.Errors}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w: %w", c.endpoint, apperr.ErrMalformed, err)
	}
	return nil
}
