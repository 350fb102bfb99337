// Package ocr is the client for the external OCR / text-quality service.
//
// The service receives the current PDF and either returns a searchable PDF
// (200), or reports that the text layer is already good enough (204).
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
)

// OutputFile is the artifact produced by the OCR stage.
const OutputFile = "ocr.pdf"

// DefaultTimeout bounds a single OCR request.
const DefaultTimeout = 120 * time.Second

// maxErrorBody caps how much of an error response is kept for the step detail.
const maxErrorBody = 512

// Config configures the OCR client.
type Config struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Client calls the OCR service.
type Client struct {
	endpoint  *url.URL
	apiKey    string
	http      *http.Client
	workspace processor.Workspace
	logger    *zap.Logger
}

var _ processor.Processor = (*Client)(nil)

// New creates an OCR client.
func New(cfg Config, ws processor.Workspace, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("ocr endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ocr endpoint %q", cfg.Endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:  u,
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
		workspace: ws,
		logger:    logger,
	}, nil
}

// Process sends the document to the OCR service.
func (c *Client) Process(ctx context.Context, doc document.Document) (processor.Result, error) {
	// #nosec G304 -- location is a pipeline-managed artifact
	body, err := os.ReadFile(doc.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return processor.Result{}, processor.Permanentf("input %s: %w", doc.Location, err)
		}
		return processor.Result{}, fmt.Errorf("read input: %w", err)
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("document_id", doc.ID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return processor.Result{}, processor.Permanentf("create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Accept", "application/pdf")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return processor.Result{}, processor.Transient(fmt.Errorf("ocr request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("OCR response",
		zap.String("document_id", doc.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return processor.Result{}, processor.ErrSkip
	case resp.StatusCode == http.StatusOK:
		return c.store(doc, resp.Body)
	default:
		return processor.Result{}, classify(resp)
	}
}

func (c *Client) store(doc document.Document, body io.Reader) (processor.Result, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return processor.Result{}, processor.Transient(fmt.Errorf("read ocr response: %w", err))
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return processor.Result{}, processor.Transientf("ocr response is not a pdf (%d bytes)", len(data))
	}

	out, err := c.workspace.Artifact(doc.ID, OutputFile)
	if err != nil {
		return processor.Result{}, err
	}
	// #nosec G306 -- artifacts are not secret
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return processor.Result{}, fmt.Errorf("write ocr output: %w", err)
	}
	return processor.Result{Location: out}, nil
}

// classify maps a non-success response to a transient or permanent error.
func classify(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return processor.Transient(err)
	default:
		return processor.Permanent(err)
	}
}
