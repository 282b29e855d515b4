package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Smile2578/anabai-queue/internal/config"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/queue"
)

func pngServer(t *testing.T, width, height int, fill color.RGBA) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func imageJob(t *testing.T, payload ImagePayload) jobs.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return jobs.Job{ID: "job-1", QueueName: "image", Payload: raw}
}

func TestImageHandler_OptimizeResizesToWidth(t *testing.T) {
	srv := pngServer(t, 10, 10, color.RGBA{R: 255, A: 255})
	tempDir := t.TempDir()

	proc, err := NewImageProcessor(context.Background(), config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
	})
	if err != nil {
		t.Fatalf("new image processor: %v", err)
	}

	result, err := proc.Handler()(context.Background(), imageJob(t, ImagePayload{
		Action:    ImageActionOptimize,
		SourceURL: srv.URL,
		OutputKey: "thumbs/test.png",
		Width:     5,
	}), nil)
	if err != nil {
		t.Fatalf("handle image: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Message)
	}

	outputPath := filepath.Join(tempDir, "thumbs", "test.png")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}

	var meta struct {
		Optimized bool   `json:"optimized"`
		Location  string `json:"location"`
	}
	if err := json.Unmarshal(result.Data, &meta); err != nil {
		t.Fatalf("decode result data: %v", err)
	}
	if !meta.Optimized || meta.Location != outputPath {
		t.Fatalf("unexpected result data: %+v", meta)
	}
}

func TestImageHandler_GrayscaleAndProgress(t *testing.T) {
	srv := pngServer(t, 10, 10, color.RGBA{R: 255, A: 255})
	tempDir := t.TempDir()

	proc, err := NewImageProcessor(context.Background(), config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    1200,
	})
	if err != nil {
		t.Fatalf("new image processor: %v", err)
	}

	var mu sync.Mutex
	var percents []int
	progress := queue.ProgressFunc(func(_ context.Context, raw json.RawMessage) {
		var p struct {
			Percent int `json:"percent"`
		}
		_ = json.Unmarshal(raw, &p)
		mu.Lock()
		percents = append(percents, p.Percent)
		mu.Unlock()
	})

	result, err := proc.Handler()(context.Background(), imageJob(t, ImagePayload{
		Action:    ImageActionGrayscale,
		SourceURL: srv.URL,
		OutputKey: "gray.png",
	}), progress)
	if err != nil {
		t.Fatalf("handle image: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Message)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "gray.png"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(percents) != 2 || percents[0] != 50 || percents[1] != 100 {
		t.Fatalf("unexpected progress reports: %v", percents)
	}
}

func TestImageHandler_RejectsBadPayloads(t *testing.T) {
	proc, err := NewImageProcessor(context.Background(), config.Config{
		ImageOutputDir:       t.TempDir(),
		ImageDownloadTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new image processor: %v", err)
	}
	handler := proc.Handler()

	if _, err := handler(context.Background(), imageJob(t, ImagePayload{Action: "rotate", SourceURL: "http://x"}), nil); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if _, err := handler(context.Background(), imageJob(t, ImagePayload{Action: ImageActionOptimize}), nil); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := handler(context.Background(), jobs.Job{ID: "x", Payload: json.RawMessage(`not json`)}, nil); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestImageHandler_RejectsOversizedDownload(t *testing.T) {
	srv := pngServer(t, 50, 50, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	proc, err := NewImageProcessor(context.Background(), config.Config{
		ImageOutputDir:       t.TempDir(),
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        16, // far below any real PNG
	})
	if err != nil {
		t.Fatalf("new image processor: %v", err)
	}

	_, err = proc.Handler()(context.Background(), imageJob(t, ImagePayload{
		Action:    ImageActionOptimize,
		SourceURL: srv.URL,
	}), nil)
	if err == nil {
		t.Fatal("expected error for oversized image")
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"thumbs/a.png":   "thumbs/a.png",
		"./thumbs/a.png": "thumbs/a.png",
		"/abs/a.png":     "abs/a.png",
		"thumbs//a.png":  "thumbs/a.png",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
