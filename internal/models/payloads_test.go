package models

import (
	"errors"
	"testing"
	"time"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		payload map[string]any
		corr    Correlation
		wantErr bool
	}{
		{"html ok", TypeProcessHTML, map[string]any{"storage_key": "u1/watch-history.html"}, Correlation{FileID: "f1"}, false},
		{"html missing file", TypeProcessHTML, map[string]any{"storage_key": "k"}, Correlation{}, true},
		{"html missing key", TypeProcessHTML, nil, Correlation{FileID: "f1"}, true},
		{"html bad source", TypeProcessHTML, map[string]any{"storage_key": "k", "source": "ftp"}, Correlation{FileID: "f1"}, true},
		{"metadata ok", TypeFetchMetadata, nil, Correlation{VideoID: "dQw4w9WgXcQ"}, false},
		{"metadata no video", TypeFetchMetadata, nil, Correlation{}, true},
		{"metadata unknown field", TypeFetchMetadata, map[string]any{"nope": 1}, Correlation{VideoID: "v"}, true},
		{"metadata takes no options", TypeFetchMetadata, map[string]any{"force": true}, Correlation{VideoID: "v"}, true},
		{"summary negative words", TypeGenerateSummary, map[string]any{"max_words": -1}, Correlation{VideoID: "v"}, true},
		{"thumbnail ok", TypeCacheThumbnail, map[string]any{"thumbnail_url": "http://x/y.jpg", "width": 120}, Correlation{VideoID: "v"}, false},
		{"thumbnail bad destination", TypeCacheThumbnail, map[string]any{"thumbnail_url": "http://x", "destination": "gcs"}, Correlation{VideoID: "v"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.jobType, tt.payload, tt.corr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload_UnknownType(t *testing.T) {
	err := ValidatePayload("email.send", nil, Correlation{})
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestEncodePayloadRoundTrip(t *testing.T) {
	doc, err := EncodePayload(CacheThumbnailPayload{ThumbnailURL: "http://img", Width: 64})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodePayload(TypeCacheThumbnail, doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	thumb := p.(*CacheThumbnailPayload)
	if thumb.ThumbnailURL != "http://img" || thumb.Width != 64 {
		t.Fatalf("unexpected payload %+v", thumb)
	}
}

func TestJobEligibleAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if !(Job{}).EligibleAt(now) {
		t.Fatal("unscheduled job should be eligible")
	}
	future := now.Add(time.Hour)
	if (Job{ScheduledFor: &future}).EligibleAt(now) {
		t.Fatal("future job should not be eligible")
	}
	if !(Job{ScheduledFor: &now}).EligibleAt(now) {
		t.Fatal("job scheduled for now should be eligible")
	}
}

func TestLeaseForUsesAttemptsAsToken(t *testing.T) {
	exp := time.Now()
	l := LeaseFor(Job{ID: "j", Attempts: 3, LeaseExpiresAt: &exp})
	if l.LeaseToken != 3 || !l.LeaseExpiresAt.Equal(exp) {
		t.Fatalf("unexpected lease %+v", l)
	}
}
