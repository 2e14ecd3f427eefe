//go:generate go run go.uber.org/mock/mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks

// Package executor relays source code to an external Piston-compatible
// execution service and returns its result untouched.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultEndpoint is the public Piston execute endpoint.
const DefaultEndpoint = "https://emkc.org/api/v2/piston/execute"

var (
	ErrUnexpectedStatus = errors.New("execution service returned non-2xx status")
	ErrInvalidResponse  = errors.New("execution service returned invalid JSON")
)

// File is one source file of an execution request.
type File struct {
	Content string `json:"content"`
}

// Request is the body posted to the execution service.
type Request struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Files    []File `json:"files"`
}

// NewRequest builds a single-file request.
func NewRequest(language, version, code string) Request {
	return Request{
		Language: language,
		Version:  version,
		Files:    []File{{Content: code}},
	}
}

// Executor runs code and returns the raw result document.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// PistonClient implements Executor over HTTP.
type PistonClient struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewPistonClient returns a client posting to endpoint. A zero timeout leaves
// requests unbounded apart from the caller's context.
func NewPistonClient(log *slog.Logger, endpoint string, timeout time.Duration) *PistonClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &PistonClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Execute posts req and returns the response body when the status is 2xx.
func (p *PistonClient) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding execution request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling execution service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading execution response: %w", err)
	}

	p.log.Debug("Execution service responded",
		"language", req.Language,
		"version", req.Version,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidResponse
	}
	return json.RawMessage(raw), nil
}
