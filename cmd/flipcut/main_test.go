package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCmd()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["process"])

	flag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, flag)
	assert.Equal(t, ".env", flag.DefValue)
}

func TestProcessCommand(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		file, _, err := r.FormFile("image_file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.Copy(w, file)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	t.Setenv("BACKGROUND_REMOVAL_API_KEY", "test-key")
	t.Setenv("REMOVEBG_ENDPOINT", upstream.URL)
	t.Setenv("ARTIFACTS_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("ARTIFACTS_BACKEND", "local")
	t.Setenv("REFERENCE_BACKEND", "memory")
	t.Setenv("ARTIFACT_TTL", "0")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	img := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	input := filepath.Join(dir, "red.png")
	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"process", "--env-file", "", input})
	require.NoError(t, cmd.Execute())

	var result processOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 20, result.Width)
	assert.Equal(t, 10, result.Height)
	assert.Len(t, result.Reference, 32)
	assert.FileExists(t, result.Processed)
	assert.FileExists(t, result.Original)
}
