package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownJobType is returned for job types with no registered payload schema.
var ErrUnknownJobType = errors.New("unknown job type")

// Correlation carries the optional ids used by filters.
type Correlation struct {
	UserID  string
	VideoID string
	FileID  string
}

// Payload is the typed body of a job, one concrete type per job type.
type Payload interface {
	JobType() string
	Validate(c Correlation) error
}

// ProcessHTMLPayload asks a worker to parse an uploaded watch-history export.
type ProcessHTMLPayload struct {
	StorageKey string `json:"storage_key"`
	Source     string `json:"source,omitempty"`
}

func (ProcessHTMLPayload) JobType() string { return TypeProcessHTML }

func (p ProcessHTMLPayload) Validate(c Correlation) error {
	if c.FileID == "" {
		return errors.New("fileId is required")
	}
	if p.StorageKey == "" {
		return errors.New("storage_key is required")
	}
	switch strings.ToLower(p.Source) {
	case "", "local", "s3":
		return nil
	}
	return fmt.Errorf("unsupported source %q", p.Source)
}

// FetchMetadataPayload asks a worker to look up a video's metadata. The video
// comes from the job's correlation ids, so the payload carries no fields.
type FetchMetadataPayload struct{}

func (FetchMetadataPayload) JobType() string { return TypeFetchMetadata }

func (FetchMetadataPayload) Validate(c Correlation) error {
	return requireVideo(c)
}

// EnsureTranscriptPayload asks a worker to obtain a transcript.
type EnsureTranscriptPayload struct {
	Language string `json:"language,omitempty"`
}

func (EnsureTranscriptPayload) JobType() string { return TypeEnsureTranscript }

func (EnsureTranscriptPayload) Validate(c Correlation) error {
	return requireVideo(c)
}

// GenerateSummaryPayload asks a worker to summarize a transcript.
type GenerateSummaryPayload struct {
	Model    string `json:"model,omitempty"`
	MaxWords int    `json:"max_words,omitempty"`
}

func (GenerateSummaryPayload) JobType() string { return TypeGenerateSummary }

func (p GenerateSummaryPayload) Validate(c Correlation) error {
	if p.MaxWords < 0 {
		return errors.New("max_words must not be negative")
	}
	return requireVideo(c)
}

// CacheThumbnailPayload asks a worker to store a resized thumbnail.
type CacheThumbnailPayload struct {
	ThumbnailURL string `json:"thumbnail_url"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Grayscale    bool   `json:"grayscale,omitempty"`
	Destination  string `json:"destination,omitempty"`
}

func (CacheThumbnailPayload) JobType() string { return TypeCacheThumbnail }

func (p CacheThumbnailPayload) Validate(c Correlation) error {
	if p.ThumbnailURL == "" {
		return errors.New("thumbnail_url is required")
	}
	if p.Width < 0 || p.Height < 0 {
		return errors.New("width and height must not be negative")
	}
	switch strings.ToLower(p.Destination) {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unsupported destination %q", p.Destination)
	}
	return requireVideo(c)
}

func requireVideo(c Correlation) error {
	if c.VideoID == "" {
		return errors.New("videoId is required")
	}
	return nil
}

// NewPayload returns an empty payload value for jobType.
func NewPayload(jobType string) (Payload, error) {
	switch jobType {
	case TypeProcessHTML:
		return &ProcessHTMLPayload{}, nil
	case TypeFetchMetadata:
		return &FetchMetadataPayload{}, nil
	case TypeEnsureTranscript:
		return &EnsureTranscriptPayload{}, nil
	case TypeGenerateSummary:
		return &GenerateSummaryPayload{}, nil
	case TypeCacheThumbnail:
		return &CacheThumbnailPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
}

// DecodePayload parses raw into the schema registered for jobType.
func DecodePayload(jobType string, raw map[string]any) (Payload, error) {
	p, err := NewPayload(jobType)
	if err != nil {
		return nil, err
	}
	if err := DecodeInto(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidatePayload decodes raw for jobType and checks it against the correlation ids.
func ValidatePayload(jobType string, raw map[string]any, c Correlation) error {
	p, err := DecodePayload(jobType, raw)
	if err != nil {
		return err
	}
	return p.Validate(c)
}

// DecodeInto converts a loosely typed document into out.
func DecodeInto(raw map[string]any, out any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// EncodePayload converts a typed payload back into a document.
func EncodePayload(p Payload) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
