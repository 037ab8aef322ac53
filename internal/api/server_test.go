package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/dunamismax/flipcut/internal/ratelimit"
	"github.com/dunamismax/flipcut/internal/removebg"
	"github.com/dunamismax/flipcut/internal/storage"
	"github.com/dunamismax/flipcut/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type identityRemover struct{}

func (identityRemover) Remove(_ context.Context, image []byte, _ string) ([]byte, error) {
	return image, nil
}

type fakePipeline struct {
	result domain.Result
	err    error
}

func (f fakePipeline) Run(context.Context, pipeline.Upload) (domain.Result, error) {
	return f.result, f.err
}

type captureExpiry struct {
	mu      sync.Mutex
	results []domain.Result
}

func (e *captureExpiry) ScheduleExpiry(_ context.Context, result domain.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
	return nil
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (l stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return l.decision, l.err
}

func newArtifacts(t *testing.T) *storage.ArtifactStore {
	t.Helper()
	backend, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	artifacts, err := storage.NewArtifactStore(backend, store.NewMemoryReferenceStore())
	require.NoError(t, err)
	return artifacts
}

func newRealServer(t *testing.T, remover pipeline.BackgroundRemover, opts Options) *Server {
	t.Helper()
	artifacts := newArtifacts(t)
	processor, err := pipeline.NewProcessor(nil, remover, artifacts, pipeline.Options{})
	require.NoError(t, err)
	s, err := NewServer(processor, artifacts, opts)
	require.NoError(t, err)
	return s
}

func redPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, payload []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "red.png")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/image/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestUploadRetrieveDelete(t *testing.T) {
	expiry := &captureExpiry{}
	s := newRealServer(t, identityRemover{}, Options{Expiry: expiry})

	resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 32)))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/image/files/"+id, body["processed"])
	assert.Equal(t, "/api/image/files/"+id, resp.Header().Get("Location"))
	assert.Equal(t, float64(32), body["width"])
	assert.Equal(t, float64(32), body["height"])
	originalURL, _ := body["original"].(string)
	require.NotEmpty(t, originalURL)
	require.Len(t, expiry.results, 1)

	file := serve(s, httptest.NewRequest(http.MethodGet, "/api/image/files/"+id, nil))
	require.Equal(t, http.StatusOK, file.Code)
	assert.Equal(t, domain.ContentTypePNG, file.Header().Get("Content-Type"))
	decoded, err := png.Decode(bytes.NewReader(file.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), decoded.Bounds())

	original := serve(s, httptest.NewRequest(http.MethodGet, originalURL, nil))
	require.Equal(t, http.StatusOK, original.Code)

	del := serve(s, httptest.NewRequest(http.MethodDelete, "/api/image/"+id, nil))
	require.Equal(t, http.StatusNoContent, del.Code)

	again := serve(s, httptest.NewRequest(http.MethodDelete, "/api/image/"+id, nil))
	assert.Equal(t, http.StatusNotFound, again.Code)
	assert.Equal(t, string(domain.KindNotFound), decodeBody(t, again)["kind"])

	gone := serve(s, httptest.NewRequest(http.MethodGet, "/api/image/files/"+id, nil))
	assert.Equal(t, http.StatusNotFound, gone.Code)
	goneOriginal := serve(s, httptest.NewRequest(http.MethodGet, originalURL, nil))
	assert.Equal(t, http.StatusNotFound, goneOriginal.Code)
}

func TestUploadAcceptsImageFileField(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	resp := serve(s, uploadRequest(t, FieldImageFile, redPNG(t, 8)))
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestUploadRequiresImageField(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	resp := serve(s, uploadRequest(t, "avatar", redPNG(t, 8)))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, string(domain.KindInvalidUpload), body["kind"])
	assert.Equal(t, string(pipeline.StageReceived), body["stage"])
	assert.Contains(t, body["error"], `multipart field "image" or "image_file" is required`)
}

func TestUploadReportsMultipartParseError(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/image/upload", bytes.NewReader(redPNG(t, 8)))
	req.Header.Set("Content-Type", "image/png")
	resp := serve(s, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, string(domain.KindInvalidUpload), body["kind"])
	assert.Contains(t, body["error"], "parse multipart form")
	assert.Contains(t, body["error"], "multipart/form-data")
	assert.NotContains(t, body["error"], "is required")
}

func TestDeleteByOriginalReferenceRemovesPair(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 16)))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	body := decodeBody(t, resp)
	processedURL, _ := body["processed"].(string)
	originalURL, _ := body["original"].(string)
	require.NotEmpty(t, processedURL)
	require.NotEmpty(t, originalURL)

	originalRef := originalURL[len("/api/image/files/"):]
	del := serve(s, httptest.NewRequest(http.MethodDelete, "/api/image/"+originalRef, nil))
	require.Equal(t, http.StatusNoContent, del.Code)

	assert.Equal(t, http.StatusNotFound, serve(s, httptest.NewRequest(http.MethodGet, originalURL, nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(s, httptest.NewRequest(http.MethodGet, processedURL, nil)).Code)
}

func TestUploadRejectsOversizeBody(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{MaxUploadBytes: 16})

	resp := serve(s, uploadRequest(t, FieldImage, bytes.Repeat([]byte{0x89}, 2<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestUploadRejectsNonImage(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	resp := serve(s, uploadRequest(t, FieldImage, []byte("just some text")))
	require.Equal(t, http.StatusUnsupportedMediaType, resp.Code)
	assert.Equal(t, string(domain.KindUnsupportedFormat), decodeBody(t, resp)["kind"])
}

func TestUploadErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   domain.ErrorKind
	}{
		{"missing credential", domain.ErrMissingCredential, http.StatusInternalServerError, domain.KindMissingCredential},
		{"credential rejected", domain.ErrCredentialRejected, http.StatusBadGateway, domain.KindCredentialRejected},
		{"upstream", &domain.UpstreamError{StatusCode: 402, Detail: "Insufficient credits"}, http.StatusBadGateway, domain.KindUpstream},
		{"network", domain.ErrNetworkFailure, http.StatusGatewayTimeout, domain.KindNetworkFailure},
		{"decode", domain.ErrDecode, http.StatusUnprocessableEntity, domain.KindDecode},
		{"storage", domain.ErrStorage, http.StatusInternalServerError, domain.KindStorage},
		{"internal", errors.New("boom"), http.StatusInternalServerError, domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runErr := &pipeline.Error{Stage: pipeline.StageRemoveBackground, Err: tt.err}
			s, err := NewServer(fakePipeline{err: runErr}, newArtifacts(t), Options{})
			require.NoError(t, err)

			resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 4)))
			require.Equal(t, tt.status, resp.Code)

			body := decodeBody(t, resp)
			assert.Equal(t, string(tt.kind), body["kind"])
			assert.Equal(t, string(pipeline.StageRemoveBackground), body["stage"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUploadSurfacesUpstreamDiagnosticWithoutKey(t *testing.T) {
	const key = "super-secret-key"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"errors":[{"title":"Insufficient credits"}]}`))
	}))
	defer upstream.Close()

	client := removebg.NewClient(removebg.Config{APIKey: key, Endpoint: upstream.URL}, nil)
	s := newRealServer(t, client, Options{})

	resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 8)))
	require.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Contains(t, resp.Body.String(), "Insufficient credits")
	assert.NotContains(t, resp.Body.String(), key)
}

func TestFileUnknownReference(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	for _, ref := range []string{"nope", "0123456789abcdef0123456789abcdef"} {
		resp := serve(s, httptest.NewRequest(http.MethodGet, "/api/image/files/"+ref, nil))
		assert.Equal(t, http.StatusNotFound, resp.Code)
	}
}

func TestRateLimitRejectsUpload(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{
		RateLimiter: stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}},
	})

	resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 4)))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "2", resp.Header().Get("Retry-After"))
	assert.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiterFailureFailsOpen(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{
		RateLimiter: stubLimiter{err: errors.New("redis down")},
	})

	resp := serve(s, uploadRequest(t, FieldImage, redPNG(t, 4)))
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{CORSAllowedOrigin: "https://app.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/image/upload", nil)
	req.Header.Set("Origin", "https://app.example")
	resp := serve(s, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "https://app.example", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newRealServer(t, identityRemover{}, Options{})

	health := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	metrics := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "flipcut_api_requests_total")
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(nil, newArtifacts(t), Options{})
	require.Error(t, err)
	_, err = NewServer(fakePipeline{}, nil, Options{})
	require.Error(t, err)
}
