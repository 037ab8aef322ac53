package removebg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dunamismax/flipcut/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://api.remove.bg/v1.0/removebg"

	HeaderAPIKey         = "X-Api-Key"
	HeaderCreditsCharged = "X-Credits-Charged"

	FieldImageFile = "image_file"
	FieldSize      = "size"
	FieldFormat    = "format"

	maxDiagnosticBytes = 4 << 10
	maxResultBytes     = 64 << 20
)

type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	Size     string
}

// Client calls the remove.bg compatible segmentation endpoint. Each Remove
// call performs at most one HTTP request and never retries.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	size       string
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	size := strings.TrimSpace(cfg.Size)
	if size == "" {
		size = "auto"
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		size:     size,
		logger:   logger.Named("removebg"),
	}
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) Remove(ctx context.Context, image []byte, filename string) ([]byte, error) {
	if !c.Configured() {
		return nil, domain.ErrMissingCredential
	}

	body, contentType, err := buildForm(image, filename, c.size)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build removal request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderAPIKey, c.apiKey)

	startedAt := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBytes))
		detail := diagnostic(raw)
		c.logger.Error("background removal rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
		return nil, classifyStatus(resp.StatusCode, detail, errorCodes(raw))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrNetworkFailure, err)
	}
	if len(data) == 0 {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Detail: "empty response body"}
	}
	if len(data) > maxResultBytes {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Detail: fmt.Sprintf("response exceeds %d bytes", maxResultBytes)}
	}

	c.logger.Debug("background removed",
		zap.Int("bytes", len(data)),
		zap.String("credits_charged", resp.Header.Get(HeaderCreditsCharged)),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return data, nil
}

func buildForm(image []byte, filename, size string) (*bytes.Buffer, string, error) {
	if strings.TrimSpace(filename) == "" {
		filename = "image.png"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(FieldImageFile, filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.WriteField(FieldSize, size); err != nil {
		return nil, "", fmt.Errorf("write size field: %w", err)
	}
	if err := writer.WriteField(FieldFormat, "png"); err != nil {
		return nil, "", fmt.Errorf("write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// parameterErrorCodes mark a 400 caused by the request fields, not the image.
var parameterErrorCodes = map[string]bool{
	"invalid_parameters": true,
	"invalid_parameter":  true,
	"missing_parameters": true,
	"missing_parameter":  true,
	"unknown_parameter":  true,
}

func classifyStatus(status int, detail string, codes []string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status=%d: %s", domain.ErrCredentialRejected, status, detail)
	case http.StatusBadRequest:
		for _, code := range codes {
			if parameterErrorCodes[code] {
				return &domain.UpstreamError{StatusCode: status, Detail: detail}
			}
		}
		return fmt.Errorf("%w: status=%d: %s", domain.ErrUnsupportedFormat, status, detail)
	case http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status=%d: %s", domain.ErrUnsupportedFormat, status, detail)
	default:
		return &domain.UpstreamError{StatusCode: status, Detail: detail}
	}
}

type errorPayload struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
}

func errorCodes(raw []byte) []string {
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	codes := make([]string, 0, len(payload.Errors))
	for _, e := range payload.Errors {
		if e.Code != "" {
			codes = append(codes, strings.ToLower(e.Code))
		}
	}
	return codes
}

// diagnostic renders the service's error payload as a single line. Structured
// payloads are flattened; anything else is passed through as text.
func diagnostic(raw []byte) string {
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Errors) > 0 {
		parts := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			msg := e.Title
			if e.Detail != "" {
				msg = strings.TrimSpace(msg + ": " + e.Detail)
			}
			if e.Code != "" {
				msg += " (" + e.Code + ")"
			}
			parts = append(parts, msg)
		}
		return strings.Join(parts, "; ")
	}

	if !utf8.Valid(raw) {
		return fmt.Sprintf("%d bytes of binary payload", len(raw))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "no diagnostic payload"
	}
	return text
}
