// ABOUTME: HTTP Backend for Piston-compatible code runners
// ABOUTME: Maps 429 to RateLimitError (with Retry-After), other non-2xx to BackendError

package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/pairroom/internal/clock"
)

const maxResponseBytes = 1 << 20

// PistonConfig configures a PistonClient.
type PistonConfig struct {
	Endpoint           string // base URL, e.g. https://emkc.org/api/v2/piston
	CompileTimeout     time.Duration
	RunTimeout         time.Duration
	CompileMemoryLimit int64 // bytes, 0 leaves the runner default
	RunMemoryLimit     int64
	HTTPClient         *http.Client
	Clock              clock.Clock
}

// PistonClient executes code via POST {endpoint}/execute.
type PistonClient struct {
	cfg    PistonConfig
	url    string
	client *http.Client
	clock  clock.Clock
}

// NewPistonClient creates a client for the runner at cfg.Endpoint.
func NewPistonClient(cfg PistonConfig) *PistonClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &PistonClient{
		cfg:    cfg,
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/execute",
		client: client,
		clock:  clk,
	}
}

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language           string       `json:"language"`
	Version            string       `json:"version"`
	Files              []pistonFile `json:"files"`
	Stdin              string       `json:"stdin,omitempty"`
	CompileTimeout     int64        `json:"compile_timeout,omitempty"`
	RunTimeout         int64        `json:"run_timeout,omitempty"`
	CompileMemoryLimit int64        `json:"compile_memory_limit,omitempty"`
	RunMemoryLimit     int64        `json:"run_memory_limit,omitempty"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
	Status *string `json:"status"` // newer runners: "TO" timeout, "RE", "SG", ...
}

func (s *pistonStage) timedOut() bool {
	return s != nil && s.Status != nil && *s.Status == "TO"
}

func (s *pistonStage) failed() bool {
	if s == nil {
		return false
	}
	return (s.Code != nil && *s.Code != 0) || s.Stderr != ""
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile"`
	Message  string       `json:"message"`
}

// Execute runs req once. It does not retry.
func (c *PistonClient) Execute(ctx context.Context, req Request) (*Result, error) {
	version := req.Version
	if version == "" {
		version = "*"
	}
	body, err := json.Marshal(pistonRequest{
		Language:           req.Language,
		Version:            version,
		Files:              []pistonFile{{Content: req.Code}},
		Stdin:              req.Stdin,
		CompileTimeout:     c.cfg.CompileTimeout.Milliseconds(),
		RunTimeout:         c.cfg.RunTimeout.Milliseconds(),
		CompileMemoryLimit: c.cfg.CompileMemoryLimit,
		RunMemoryLimit:     c.cfg.RunMemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := c.clock.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling execution backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	elapsed := c.clock.Now().Sub(start)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: c.retryAfter(resp.Header)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	var pr pistonResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if pr.Compile.timedOut() || pr.Run.timedOut() {
		return nil, ErrRunTimeout
	}

	res := &Result{
		Language: pr.Language,
		Version:  pr.Version,
		Stdout:   pr.Run.Stdout,
		Stderr:   pr.Run.Stderr,
		Duration: elapsed,
	}
	if pr.Run.Signal != nil {
		res.Signal = *pr.Run.Signal
		res.ExitCode = -1
	}
	if pr.Run.Code != nil {
		res.ExitCode = *pr.Run.Code
	}
	if pr.Compile != nil && pr.Compile.failed() {
		res.CompileOutput = pr.Compile.Output
		if res.CompileOutput == "" {
			res.CompileOutput = pr.Compile.Stderr
		}
	}
	res.Success = res.Stderr == "" && res.CompileOutput == ""
	return res, nil
}

// retryAfter reads Retry-After as delta seconds or an HTTP date.
func (c *PistonClient) retryAfter(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(c.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

var _ Backend = (*PistonClient)(nil)
