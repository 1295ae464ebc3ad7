package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/polar/errors"
)

// RuleKind distinguishes recurrence rules.
type RuleKind string

const (
	KindInterval RuleKind = "interval"
	KindDaily    RuleKind = "daily"
)

// Unit is the time unit of an interval rule.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
)

// Millis returns the unit length in milliseconds.
func (u Unit) Millis() int64 {
	switch u {
	case UnitMinute:
		return time.Minute.Milliseconds()
	case UnitHour:
		return time.Hour.Milliseconds()
	case UnitDay:
		return 24 * time.Hour.Milliseconds()
	}
	return 0
}

// Rule is a parsed recurrence rule. It is derived from the stored schedule
// text on every due check and never persisted.
type Rule struct {
	Kind RuleKind

	// Interval rules
	Every int
	Unit  Unit

	// Daily rules, UTC
	Hour   int
	Minute int
}

// IntervalMs is the rule's period for interval rules, 0 otherwise.
func (r Rule) IntervalMs() int64 {
	if r.Kind != KindInterval {
		return 0
	}
	return int64(r.Every) * r.Unit.Millis()
}

// String renders the canonical schedule text for r.
func (r Rule) String() string {
	switch r.Kind {
	case KindInterval:
		unit := string(r.Unit)
		if r.Every != 1 {
			unit += "s"
		}
		return fmt.Sprintf("every %d %s", r.Every, unit)
	case KindDaily:
		return fmt.Sprintf("daily at %02d:%02d", r.Hour, r.Minute)
	}
	return ""
}

// SupportedFormats is shown to callers whose schedule fails normalization.
var SupportedFormats = []string{
	"every <N> minutes (aliases: minute, min, m)",
	"every <N> hours (aliases: hour, h)",
	"every <N> days (aliases: day, d)",
	"daily at HH:MM (UTC)",
	"daily HH:MM (UTC)",
}

var (
	whitespace  = regexp.MustCompile(`\s+`)
	intervalRe  = regexp.MustCompile(`^every\s+(\d+)\s+(minutes|minute|min|m|hours|hour|h|days|day|d)$`)
	dailyAtRe   = regexp.MustCompile(`^daily\s+at\s+(\d{1,2}):(\d{2})$`)
	dailyBareRe = regexp.MustCompile(`^daily\s+(\d{1,2}):(\d{2})$`)
)

var unitAliases = map[string]Unit{
	"minutes": UnitMinute, "minute": UnitMinute, "min": UnitMinute, "m": UnitMinute,
	"hours": UnitHour, "hour": UnitHour, "h": UnitHour,
	"days": UnitDay, "day": UnitDay, "d": UnitDay,
}

func canonicalize(raw string) string {
	return strings.ToLower(whitespace.ReplaceAllString(strings.TrimSpace(raw), " "))
}

// ParseSchedule parses the stored schedule mini-language.
// It never fails loudly: unparseable text yields ok=false, and such jobs are
// simply never due.
func ParseSchedule(raw string) (rule Rule, ok bool) {
	text := canonicalize(raw)

	if m := intervalRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Rule{}, false
		}
		unit := unitAliases[m[2]]
		if int64(n) > math.MaxInt64/unit.Millis() {
			return Rule{}, false
		}
		return Rule{Kind: KindInterval, Every: n, Unit: unit}, true
	}

	if m := dailyAtRe.FindStringSubmatch(text); m != nil {
		return parseClock(m[1], m[2])
	}

	return Rule{}, false
}

func parseClock(hh, mm string) (Rule, bool) {
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return Rule{}, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return Rule{}, false
	}
	return Rule{Kind: KindDaily, Hour: hour, Minute: minute}, true
}

// NormalizeSchedule validates raw at write time and returns its canonical
// text. Besides the stored grammar it accepts the "daily HH:MM" shorthand.
func NormalizeSchedule(raw string) (string, error) {
	rule, ok := ParseSchedule(raw)
	if !ok {
		if m := dailyBareRe.FindStringSubmatch(canonicalize(raw)); m != nil {
			rule, ok = parseClock(m[1], m[2])
		}
	}
	if !ok {
		v := errors.NewValidationError("normalizeSchedule")
		v.Add("schedule", "unsupported schedule %q; supported formats: %s", raw, strings.Join(SupportedFormats, "; "))
		return "", v
	}
	return rule.String(), nil
}

// NextDueAtMs computes the next due instant after baselineMs.
// Interval rules add the period; daily rules pick hour:minute UTC on the
// baseline's UTC day, or the following day when that is not after baseline.
func NextDueAtMs(rule Rule, baselineMs int64) int64 {
	switch rule.Kind {
	case KindInterval:
		return baselineMs + rule.IntervalMs()
	case KindDaily:
		base := time.UnixMilli(baselineMs).UTC()
		candidate := time.Date(base.Year(), base.Month(), base.Day(), rule.Hour, rule.Minute, 0, 0, time.UTC)
		if candidate.UnixMilli() <= baselineMs {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.UnixMilli()
	}
	return baselineMs
}
