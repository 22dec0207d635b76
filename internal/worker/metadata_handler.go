package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
)

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	AuthorURL    string `json:"author_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// MetadataHandler looks videos up through an oEmbed endpoint and chains the
// transcript and thumbnail jobs.
type MetadataHandler struct {
	endpoint   string
	httpClient *http.Client
	enqueuer   Enqueuer
}

func NewMetadataHandler(cfg config.Config, enq Enqueuer) *MetadataHandler {
	return &MetadataHandler{
		endpoint:   cfg.OEmbedEndpoint,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		enqueuer:   enq,
	}
}

func (h *MetadataHandler) Handle(ctx context.Context, lease models.Lease) (map[string]any, error) {
	var p models.FetchMetadataPayload
	if err := models.DecodeInto(lease.Payload, &p); err != nil {
		return nil, Permanent(err)
	}
	meta, err := h.lookup(ctx, lease.VideoID)
	if err != nil {
		return nil, err
	}

	follow := []queue.EnqueueRequest{{
		Type:      models.TypeEnsureTranscript,
		DedupeKey: models.TypeEnsureTranscript + ":" + lease.VideoID,
	}}
	if meta.ThumbnailURL != "" {
		follow = append(follow, queue.EnqueueRequest{
			Type:      models.TypeCacheThumbnail,
			Payload:   map[string]any{"thumbnail_url": meta.ThumbnailURL},
			DedupeKey: models.TypeCacheThumbnail + ":" + lease.VideoID,
		})
	}
	for _, req := range follow {
		req.UserID = lease.UserID
		req.VideoID = lease.VideoID
		req.FileID = lease.FileID
		if _, err := h.enqueuer.Enqueue(ctx, req); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", req.Type, err)
		}
	}

	return map[string]any{
		"title":        meta.Title,
		"author":       meta.AuthorName,
		"authorUrl":    meta.AuthorURL,
		"thumbnailUrl": meta.ThumbnailURL,
	}, nil
}

func (h *MetadataHandler) lookup(ctx context.Context, videoID string) (oembedResponse, error) {
	q := url.Values{}
	q.Set("url", "https://www.youtube.com/watch?v="+videoID)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return oembedResponse{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return oembedResponse{}, fmt.Errorf("oembed %s: %w", videoID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return oembedResponse{}, fmt.Errorf("oembed %s: status %d", videoID, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		// Private, deleted, or embedding disabled; retrying will not help.
		return oembedResponse{}, Permanent(fmt.Errorf("oembed %s: status %d", videoID, resp.StatusCode))
	}

	var meta oembedResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return oembedResponse{}, fmt.Errorf("decode oembed %s: %w", videoID, err)
	}
	return meta, nil
}
