package trigger

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 30 9 * * 1-5", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot: "at:2026-01-02T15:04:05Z" or "date:..." (RFC3339)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "date"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a cron expression, an interval or a date.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "at:"):
		return dateSpec(s[len("at:"):])
	case strings.HasPrefix(low, "date:"):
		return dateSpec(s[len("date:"):])
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, errors.New("interval must be > 0")
		}
		return ParsedSpec{Kind: KindInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, errors.Newf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or at:<RFC3339>)",
		raw,
	)
}

// Parse turns a schedule string into a Trigger. loc applies to cron expressions
// and nil means time.Local.
func Parse(raw string, loc *time.Location) (Trigger, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	return ps.Build(loc)
}

// Build creates the trigger described by ps.
func (ps ParsedSpec) Build(loc *time.Location, opts ...IntervalOption) (Trigger, error) {
	switch ps.Kind {
	case KindCron:
		return Cron(ps.Cron, loc)
	case KindInterval:
		return Interval(ps.Every, opts...)
	case KindDate:
		return Date(ps.At)
	default:
		return nil, errors.Newf("unknown schedule kind %q", ps.Kind)
	}
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: KindInterval, Every: d, Source: src}, nil
}

func dateSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("date required")
	}
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return ParsedSpec{}, errors.Wrapf(err, "invalid date %q (use RFC3339)", v)
	}
	return ParsedSpec{Kind: KindDate, At: at, Source: "date"}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}
