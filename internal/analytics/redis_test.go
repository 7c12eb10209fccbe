package analytics

import (
	"testing"
	"time"
)

func TestBuildKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 37, 22, 0, time.UTC)

	key := buildKey("shop-a.myshopify.com", "published", at, 24*time.Hour)
	want := "t:shop-a.myshopify.com:publish:published:20260314"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestTruncateToBucket(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 37, 22, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202603141037"},
		{5 * time.Minute, "202603141035"},
		{time.Hour, "2026031410"},
		{24 * time.Hour, "20260314"},
		{7 * 24 * time.Hour, "20260314"}, // unknown window falls back to daily
	}
	for _, tt := range tests {
		if got := truncateToBucket(at, tt.window); got != tt.want {
			t.Errorf("window %v: bucket = %q, want %q", tt.window, got, tt.want)
		}
	}
}

func TestTruncateToBucketNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, 3, 15, 2, 0, 0, 0, loc) // 2026-03-14 21:00 UTC

	if got := truncateToBucket(local, 24*time.Hour); got != "20260314" {
		t.Errorf("bucket = %q, want 20260314", got)
	}
}

func TestBucketsSortLexically(t *testing.T) {
	// Keys must sort in time order so range scans work.
	earlier := time.Date(2026, 9, 30, 23, 59, 0, 0, time.UTC)
	later := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	b1 := truncateToBucket(earlier, time.Minute)
	b2 := truncateToBucket(later, time.Minute)
	if b1 >= b2 {
		t.Errorf("buckets out of order: %q >= %q", b1, b2)
	}
}
