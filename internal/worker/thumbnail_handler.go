package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/models"
)

const defaultThumbnailWidth = 320

// ThumbnailHandler downloads a video thumbnail, resizes it, and stores a JPEG
// copy under thumbnails/<videoId>.jpg.
type ThumbnailHandler struct {
	httpClient   *http.Client
	defaultWidth int
	maxBytes     int64
	local        objectStore
	s3           objectStore
}

// NewThumbnailHandler writes to THUMBNAIL_OUTPUT_DIR, or to THUMBNAIL_S3_BUCKET when set.
func NewThumbnailHandler(ctx context.Context, cfg config.Config) (*ThumbnailHandler, error) {
	h := &ThumbnailHandler{
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		defaultWidth: cfg.ThumbnailDefaultWidth,
		maxBytes:     cfg.ThumbnailMaxBytes,
		local:        &localObjects{baseDir: cfg.ThumbnailOutputDir},
	}
	if h.defaultWidth <= 0 {
		h.defaultWidth = defaultThumbnailWidth
	}
	if h.maxBytes <= 0 {
		h.maxBytes = 5 << 20
	}
	if cfg.ThumbnailS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Objects{client: client, bucket: cfg.ThumbnailS3Bucket}
	}
	return h, nil
}

func (h *ThumbnailHandler) Handle(ctx context.Context, lease models.Lease) (map[string]any, error) {
	var p models.CacheThumbnailPayload
	if err := models.DecodeInto(lease.Payload, &p); err != nil {
		return nil, Permanent(err)
	}
	dst, err := pickStore(p.Destination, h.local, h.s3)
	if err != nil {
		return nil, Permanent(err)
	}

	data, err := h.download(ctx, p.ThumbnailURL)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode thumbnail: %w", err))
	}

	width, height := p.Width, p.Height
	if width == 0 && height == 0 {
		width = h.defaultWidth
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	location, err := dst.Put(ctx, "thumbnails/"+lease.VideoID+".jpg", buf.Bytes(), "image/jpeg")
	if err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}
	return map[string]any{
		"location": location,
		"width":    img.Bounds().Dx(),
		"height":   img.Bounds().Dy(),
	}, nil
}

func (h *ThumbnailHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, Permanent(fmt.Errorf("download thumbnail: status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}
	return readLimited(resp.Body, h.maxBytes)
}
