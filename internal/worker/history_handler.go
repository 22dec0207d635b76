package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
)

const maxExportBytes = 64 << 20

// Enqueuer is how handlers chain follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
}

// Watch links appear as youtube.com/watch?v=ID (often HTML-escaped) or youtu.be/ID.
var watchLink = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/)([A-Za-z0-9_-]{11})`)

// ExtractVideoIDs returns the distinct video ids linked from a watch-history
// export, in order of first appearance.
func ExtractVideoIDs(html []byte) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range watchLink.FindAllSubmatch(html, -1) {
		id := string(m[1])
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// MetadataDedupeKey scopes metadata fetches to one active job per video.
func MetadataDedupeKey(videoID string) string {
	return models.TypeFetchMetadata + ":" + videoID
}

// HistoryHandler parses an uploaded watch-history export and fans out one
// metadata job per watched video.
type HistoryHandler struct {
	enqueuer Enqueuer
	local    objectStore
	s3       objectStore
}

// NewHistoryHandler reads exports from UPLOAD_DIR, or from UPLOAD_S3_BUCKET when set.
func NewHistoryHandler(ctx context.Context, cfg config.Config, enq Enqueuer) (*HistoryHandler, error) {
	h := &HistoryHandler{enqueuer: enq, local: &localObjects{baseDir: cfg.UploadDir}}
	if cfg.UploadS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Objects{client: client, bucket: cfg.UploadS3Bucket}
	}
	return h, nil
}

func (h *HistoryHandler) Handle(ctx context.Context, lease models.Lease) (map[string]any, error) {
	var p models.ProcessHTMLPayload
	if err := models.DecodeInto(lease.Payload, &p); err != nil {
		return nil, Permanent(err)
	}
	src, err := pickStore(p.Source, h.local, h.s3)
	if err != nil {
		return nil, Permanent(err)
	}
	data, err := src.Get(ctx, p.StorageKey, maxExportBytes)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	ids := ExtractVideoIDs(data)
	created, existing := 0, 0
	for _, id := range ids {
		res, err := h.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			Type:      models.TypeFetchMetadata,
			UserID:    lease.UserID,
			VideoID:   id,
			FileID:    lease.FileID,
			DedupeKey: MetadataDedupeKey(id),
		})
		if err != nil {
			// Already-enqueued ids dedupe on retry.
			return nil, fmt.Errorf("enqueue metadata for %s: %w", id, err)
		}
		if res.Existing {
			existing++
		} else {
			created++
		}
	}
	return map[string]any{
		"videos":       len(ids),
		"enqueued":     created,
		"deduplicated": existing,
	}, nil
}
