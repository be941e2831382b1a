package schedule

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecOnce
	SpecNever
)

func (k SpecKind) String() string {
	switch k {
	case SpecCron:
		return "cron"
	case SpecInterval:
		return "interval"
	case SpecOnce:
		return "once"
	case SpecNever:
		return "never"
	default:
		return "unknown"
	}
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - "never"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//   - "at:" a single instant, RFC 3339 or "2006-01-02 15:04[:05]" in the location
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "at" | "never"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var localLayouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05", "2006-01-02T15:04"}

// ParseSpec classifies raw. loc resolves "at:" instants without an offset (nil means UTC).
func ParseSpec(raw string, loc *time.Location) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if loc == nil {
		loc = time.UTC
	}

	low := strings.ToLower(s)
	switch {
	case low == "never":
		return ParsedSpec{Kind: SpecNever, Source: "never"}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "at:"):
		at, err := parseInstant(strings.TrimSpace(s[len("at:"):]), loc)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecOnce, At: at, Source: "at"}, nil
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, errors.New("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, errors.Newf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', 'at:<time>' or 'never')",
		raw,
	)
}

// Build turns the parsed spec into a Source. Cron expressions are evaluated in loc.
func (p ParsedSpec) Build(loc *time.Location) (Source, error) {
	switch p.Kind {
	case SpecCron:
		return NewCron(p.Cron, loc)
	case SpecInterval:
		return NewInterval(p.Every, time.Time{})
	case SpecOnce:
		return Once{At: p.At}, nil
	case SpecNever:
		return NeverSchedule{}, nil
	default:
		return nil, errors.Newf("unknown schedule kind %d", p.Kind)
	}
}

// Parse parses raw into a Source.
func Parse(raw string, loc *time.Location) (Source, error) {
	spec, err := ParseSpec(raw, loc)
	if err != nil {
		return nil, err
	}
	return spec.Build(loc)
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

func parseInstant(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("instant required after 'at:'")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("invalid instant %q (use RFC 3339 or '2006-01-02 15:04')", v)
}
