package schedule

import (
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:50", kind: SpecInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "never", raw: " Never ", kind: SpecNever, source: "never"},
		{name: "at", raw: "at:2030-01-02T03:04:05Z", kind: SpecOnce, source: "at"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.raw, time.UTC)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:-5m", "00:00", "01:75", "at:yesterday"} {
		if _, err := ParseSpec(raw, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseRejectsBadCron(t *testing.T) {
	t.Parallel()
	if _, err := Parse("cron:61 * * * *", time.UTC); err == nil {
		t.Fatal("expected error for out of range minute")
	}
}

func TestParseAtUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*60*60)
	src, err := Parse("at:2030-06-01 12:00", loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2030, 6, 1, 10, 0, 0, 0, time.UTC)
	got := src.DueTimeAfter(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if !got.Equal(want) {
		t.Fatalf("due = %s, want %s", got, want)
	}
}

func TestParseCronEvaluatesInLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-5", -5*60*60)
	src, err := Parse("0 9 * * *", loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	after := time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC)
	got := src.DueTimeAfter(after)
	want := time.Date(2030, 3, 4, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("due = %s, want %s", got, want)
	}
}
