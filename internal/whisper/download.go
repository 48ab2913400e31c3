package whisper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "large-v3-turbo-q5_0"

const modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Known models, downloadable from Hugging Face.
var modelURLs = map[string]string{
	"base.en":             modelBaseURL + "ggml-base.en.bin",
	"base":                modelBaseURL + "ggml-base.bin",
	"small":               modelBaseURL + "ggml-small.bin",
	"medium":              modelBaseURL + "ggml-medium.bin",
	"large-v3":            modelBaseURL + "ggml-large-v3.bin",
	"large-v3-turbo":      modelBaseURL + "ggml-large-v3-turbo.bin",
	"large-v3-turbo-q5_0": modelBaseURL + "ggml-large-v3-turbo-q5_0.bin",
}

// KnownModel reports whether model can be downloaded.
func KnownModel(model string) bool {
	_, ok := modelURLs[model]
	return ok
}

// progressWriter tracks download progress
type progressWriter struct {
	total      int64
	downloaded int64
	lastLog    time.Time
	model      string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.downloaded += int64(n)

	// Log progress every 2 seconds or when complete
	now := time.Now()
	if now.Sub(pw.lastLog) >= 2*time.Second || pw.downloaded >= pw.total {
		pw.lastLog = now
		log.Info().
			Str("model", pw.model).
			Float64("percent", float64(pw.downloaded)/float64(pw.total)*100).
			Float64("downloaded_mb", float64(pw.downloaded)/1024/1024).
			Float64("total_mb", float64(pw.total)/1024/1024).
			Msg("Downloading model")
	}

	return n, nil
}

// EnsureModel downloads model to destPath unless a file is already there.
func EnsureModel(ctx context.Context, model, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	url, ok := modelURLs[model]
	if !ok {
		return fmt.Errorf("unknown model %q and no file at %s", model, destPath)
	}
	return download(ctx, model, url, destPath)
}

func download(ctx context.Context, model, url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	// Download to a temp file first
	tmpPath := destPath + ".tmp"
	defer os.Remove(tmpPath)

	log.Info().Str("model", model).Str("url", url).Msg("Starting model download")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: HTTP %d", resp.StatusCode)
	}

	totalSize := resp.ContentLength
	if totalSize <= 0 {
		log.Warn().Str("model", model).Msg("Content-Length not provided, progress tracking unavailable")
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var writer io.Writer = out
	if totalSize > 0 {
		writer = io.MultiWriter(out, &progressWriter{
			total:   totalSize,
			model:   model,
			lastLog: time.Now(),
		})
	}

	_, err = io.Copy(writer, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to move model file: %w", err)
	}

	log.Info().
		Str("model", model).
		Str("path", destPath).
		Float64("size_mb", float64(totalSize)/1024/1024).
		Msg("Model downloaded successfully")

	return nil
}

// TODO: verify the SHA256 published next to each model on Hugging Face
