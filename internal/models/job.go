package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted by every store backend.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Job types produced and consumed by the enrichment pipeline.
const (
	TypeProcessHTML      = "file.process_html"
	TypeFetchMetadata    = "video.fetch_metadata"
	TypeEnsureTranscript = "video.ensure_transcript"
	TypeGenerateSummary  = "video.generate_summary"
	TypeCacheThumbnail   = "video.cache_thumbnail"
)

// Job is a unit of background work.
//
// LeaseExpiresAt is set if and only if Status is in_progress. Attempts is bumped
// once per lease and doubles as the lease fencing token.
type Job struct {
	ID             string         `json:"id" bson:"_id"`
	Type           string         `json:"type" bson:"type"`
	Status         string         `json:"status" bson:"status"`
	Priority       int            `json:"priority" bson:"priority"`
	UserID         string         `json:"userId,omitempty" bson:"userId,omitempty"`
	VideoID        string         `json:"videoId,omitempty" bson:"videoId,omitempty"`
	FileID         string         `json:"fileId,omitempty" bson:"fileId,omitempty"`
	Payload        map[string]any `json:"payload" bson:"payload"`
	Attempts       int            `json:"attempts" bson:"attempts"`
	MaxAttempts    int            `json:"maxAttempts" bson:"maxAttempts"`
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty" bson:"scheduledFor,omitempty"`
	LeaseExpiresAt *time.Time     `json:"leaseExpiresAt,omitempty" bson:"leaseExpiresAt,omitempty"`
	DedupeKey      *string        `json:"dedupeKey,omitempty" bson:"dedupeKey,omitempty"`
	LastError      *string        `json:"lastError,omitempty" bson:"lastError,omitempty"`
	Result         map[string]any `json:"result,omitempty" bson:"result,omitempty"`
	Version        int64          `json:"version" bson:"version"`
	CreatedAt      time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt" bson:"updatedAt"`
}

// EligibleAt reports whether an ordinary lease may pick the job at now.
func (j Job) EligibleAt(now time.Time) bool {
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// HoldsDedupeKey reports whether the job currently occupies its dedupe key.
func (j Job) HoldsDedupeKey() bool {
	return j.DedupeKey != nil && *j.DedupeKey != "" && j.Status != StatusFailed
}

// Lease is what a worker receives after claiming a job.
type Lease struct {
	JobID          string         `json:"jobId"`
	Type           string         `json:"type"`
	UserID         string         `json:"userId,omitempty"`
	VideoID        string         `json:"videoId,omitempty"`
	FileID         string         `json:"fileId,omitempty"`
	Payload        map[string]any `json:"payload"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	LeaseExpiresAt time.Time      `json:"leaseExpiresAt"`
	LeaseToken     int            `json:"leaseToken"`
	Priority       int            `json:"priority"`
}

// LeaseFor builds the lease descriptor of an in-progress job.
func LeaseFor(j Job) Lease {
	l := Lease{
		JobID:       j.ID,
		Type:        j.Type,
		UserID:      j.UserID,
		VideoID:     j.VideoID,
		FileID:      j.FileID,
		Payload:     j.Payload,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LeaseToken:  j.Attempts,
		Priority:    j.Priority,
	}
	if j.LeaseExpiresAt != nil {
		l.LeaseExpiresAt = *j.LeaseExpiresAt
	}
	return l
}

// Stats is the queue depth snapshot.
type Stats struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"inProgress"`
}

// StringPtr returns nil for the empty string.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// TimePtr copies t into a fresh pointer.
func TimePtr(t time.Time) *time.Time {
	return &t
}
