// Package handlers binds the concrete queues to their handler functions.
// Each queue decodes its payload into a closed action enum exactly once at
// the boundary and dispatches from there; no ad-hoc string matching leaks
// into the rest of the code.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"github.com/Smile2578/anabai-queue/internal/config"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/queue"
)

// ImageAction enumerates the operations the image queue performs.
type ImageAction string

const (
	ImageActionOptimize  ImageAction = "optimize"
	ImageActionThumbnail ImageAction = "thumbnail"
	ImageActionGrayscale ImageAction = "grayscale"
)

func (a ImageAction) valid() bool {
	switch a {
	case ImageActionOptimize, ImageActionThumbnail, ImageActionGrayscale:
		return true
	}
	return false
}

const thumbnailWidth = 300

// ImagePayload is the image queue's job payload.
type ImagePayload struct {
	Action      ImageAction `json:"action"`
	SourceURL   string      `json:"url"`
	OutputKey   string      `json:"output_key,omitempty"`
	Width       int         `json:"width,omitempty"`
	Destination string      `json:"destination,omitempty"`
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageProcessor downloads, transforms, and uploads images for the image
// queue.
type ImageProcessor struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// NewImageProcessor constructs the processor, wiring an S3 uploader when a
// bucket is configured and a local filesystem uploader otherwise.
func NewImageProcessor(ctx context.Context, cfg config.Config) (*ImageProcessor, error) {
	var s3Upload uploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}
	return &ImageProcessor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ImageDownloadTimeout},
		local:      &localUploader{baseDir: cfg.ImageOutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ImageS3Region),
	}
	if cfg.ImageS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ImageS3Endpoint,
					HostnameImmutable: cfg.ImageS3PathStyle,
					SigningRegion:     cfg.ImageS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handler returns the queue.Handler for the image queue.
func (p *ImageProcessor) Handler() queue.Handler {
	return func(ctx context.Context, job jobs.Job, progress queue.ProgressFunc) (jobs.Result, error) {
		payload, err := decodeImagePayload(job)
		if err != nil {
			return jobs.Result{}, err
		}

		data, contentType, err := p.download(ctx, payload.SourceURL)
		if err != nil {
			return jobs.Result{}, err
		}
		reportProgress(ctx, progress, 50)

		src, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return jobs.Result{}, fmt.Errorf("decode image: %w", err)
		}

		out := p.transform(src, payload)
		outputFormat := chooseFormat(payload.OutputKey, format, contentType)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, out, outputFormat, imaging.JPEGQuality(85)); err != nil {
			return jobs.Result{}, fmt.Errorf("encode image: %w", err)
		}

		outputKey := payload.OutputKey
		if outputKey == "" {
			outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
		}
		outputKey = sanitizeKey(outputKey)

		up, err := p.pickUploader(payload.Destination)
		if err != nil {
			return jobs.Result{}, err
		}
		location, err := up.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat))
		if err != nil {
			return jobs.Result{}, fmt.Errorf("upload: %w", err)
		}
		reportProgress(ctx, progress, 100)

		data64, _ := json.Marshal(map[string]any{
			"optimized": true,
			"action":    payload.Action,
			"location":  location,
		})
		return jobs.Result{
			Success: true,
			Message: fmt.Sprintf("%s written to %s", payload.Action, location),
			Data:    data64,
		}, nil
	}
}

func (p *ImageProcessor) transform(src image.Image, payload ImagePayload) image.Image {
	switch payload.Action {
	case ImageActionThumbnail:
		return imaging.Resize(src, thumbnailWidth, 0, imaging.Lanczos)
	case ImageActionGrayscale:
		return imaging.Grayscale(src)
	default:
		width := payload.Width
		if width <= 0 {
			width = p.cfg.ImageDefaultWidth
		}
		if src.Bounds().Dx() <= width {
			return src
		}
		return imaging.Resize(src, width, 0, imaging.Lanczos)
	}
}

func (p *ImageProcessor) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := p.cfg.ImageMaxBytes
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (p *ImageProcessor) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if p.s3 == nil {
			return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return p.s3, nil
	case "local":
		return p.local, nil
	case "":
		if p.s3 != nil {
			return p.s3, nil
		}
		return p.local, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
}

func decodeImagePayload(job jobs.Job) (ImagePayload, error) {
	var payload ImagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode image payload: %w", err)
	}
	if payload.Action == "" {
		payload.Action = ImageActionOptimize
	}
	if !payload.Action.valid() {
		return payload, fmt.Errorf("unknown image action %q", payload.Action)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("url is required")
	}
	return payload, nil
}

func reportProgress(ctx context.Context, progress queue.ProgressFunc, pct int) {
	if progress == nil {
		return
	}
	raw, _ := json.Marshal(map[string]int{"percent": pct})
	progress(ctx, raw)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
