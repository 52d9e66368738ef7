// Package dispatch implements the HTTP Dispatcher (C4): it builds the
// headers and body for one send-chunk, issues the request against a
// reusable client with a per-run total-request timeout, and classifies the
// result as success or failure.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rdvflow/engine/internal/artifact"
	"github.com/rdvflow/engine/internal/domain"
)

const (
	bodyTemplatePlaceholder = "{{batch}}"
	responseExcerptLimit    = 512
)

// ErrUnsupportedMethod is returned by New for a method outside
// the RFC 7231/5789 set this engine is willing to issue.
var ErrUnsupportedMethod = errors.New("unsupported_http_method")

// Dispatcher issues HTTP requests for one script definition. One
// Dispatcher is built per run and reused across every send-chunk in it.
type Dispatcher struct {
	client       *http.Client
	method       string
	endpoint     string
	headers      http.Header
	hasContentType bool
	bodyTemplate string
}

// New validates the script's method and headers once and builds a reusable
// client whose Timeout is the script's total per-request timeout
// (minimum 1ms).
func New(script domain.ScriptDefinition) (*Dispatcher, error) {
	method := strings.ToUpper(string(script.Method))
	if !isSupportedMethod(method) {
		return nil, ErrUnsupportedMethod
	}

	headers, err := buildHeaderMap(script.Headers)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(script.RequestTimeoutMs) * time.Millisecond
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}

	return &Dispatcher{
		client:         &http.Client{Timeout: timeout},
		method:         method,
		endpoint:       script.Endpoint,
		headers:        headers,
		hasContentType: headers.Get("Content-Type") != "",
		bodyTemplate:   script.BodyTemplate,
	}, nil
}

func isSupportedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func buildHeaderMap(headers []domain.Header) (http.Header, error) {
	out := make(http.Header)
	for _, h := range headers {
		key := strings.TrimSpace(h.Key)
		if key == "" {
			continue
		}
		if !isValidHeaderToken(key) {
			return nil, fmt.Errorf("invalid_header_name: %q", h.Key)
		}
		value := strings.TrimSpace(h.Value)
		if !isValidHeaderValue(value) {
			return nil, fmt.Errorf("invalid_header_value: %q", h.Value)
		}
		out.Set(http.CanonicalHeaderKey(key), value)
	}
	return out, nil
}

// isValidHeaderToken reports whether s is a valid RFC 7230 header field
// name (a "token": visible ASCII, excluding delimiters).
func isValidHeaderToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 128 || !tokenChar[r] {
			return false
		}
	}
	return true
}

// isValidHeaderValue rejects control characters (other than tab), which
// would otherwise corrupt the wire format of the request.
func isValidHeaderValue(s string) bool {
	for _, r := range s {
		if r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

var tokenChar = func() [128]bool {
	var t [128]bool
	const special = "!#$%&'*+-.^_`|~"
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		t[c] = true
	}
	for _, c := range special {
		t[c] = true
	}
	return t
}()

// ErrBodyTemplateInvalidJSON indicates the rendered body template did not
// parse as JSON.
var ErrBodyTemplateInvalidJSON = errors.New("body_template_invalid_json")

// renderBody substitutes bodyJSON (the chunk serialized as a JSON array)
// into the dispatcher's body template, if any, and re-serializes the
// result to compact form. An empty template passes bodyJSON through
// unchanged.
func renderBody(template string, bodyJSON string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return bodyJSON, nil
	}
	replaced := template
	if strings.Contains(template, bodyTemplatePlaceholder) {
		replaced = strings.ReplaceAll(template, bodyTemplatePlaceholder, bodyJSON)
	}
	var parsed any
	if err := json.Unmarshal([]byte(replaced), &parsed); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBodyTemplateInvalidJSON, err)
	}
	compact, err := json.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("dispatch: re-encode body: %w", err)
	}
	return string(compact), nil
}

// Result is the outcome of dispatching one send-chunk.
type Result struct {
	Status          *int
	DurationMs      int64
	Error           *string
	ResponseExcerpt *string
}

// Success reports whether the dispatched request is considered a success
// (HTTP 2xx).
func (r Result) Success() bool {
	return r.Error == nil && r.Status != nil && *r.Status >= 200 && *r.Status < 300
}

// Send serializes chunk as a JSON array, applies the body template (for
// non-GET methods), and issues the request. Body is only included for
// methods other than GET.
func (d *Dispatcher) Send(ctx context.Context, chunk []map[string]json.RawMessage) (Result, error) {
	includeBody := d.method != http.MethodGet

	var bodyStr string
	if includeBody {
		bodyJSON, err := json.Marshal(chunk)
		if err != nil {
			return Result{}, fmt.Errorf("dispatch: encode chunk: %w", err)
		}
		rendered, err := renderBody(d.bodyTemplate, string(bodyJSON))
		if err != nil {
			return Result{}, err
		}
		bodyStr = rendered
	}

	var bodyReader io.Reader
	if includeBody {
		bodyReader = strings.NewReader(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, d.method, d.endpoint, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header = d.headers.Clone()
	if includeBody && !d.hasContentType {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, sendErr := d.client.Do(req)
	duration := time.Since(start).Milliseconds()

	if sendErr != nil {
		msg := sendErr.Error()
		return Result{DurationMs: duration, Error: &msg}, nil
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return Result{Status: &status, DurationMs: duration}, nil
	}

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	var excerpt *string
	if text != "" {
		e := artifact.TruncateExcerpt(text, responseExcerptLimit)
		excerpt = &e
	}
	msg := fmt.Sprintf("HTTP %d", status)
	return Result{Status: &status, DurationMs: duration, Error: &msg, ResponseExcerpt: excerpt}, nil
}
