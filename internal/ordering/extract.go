package ordering

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Parser recognizes one stream-name layout.
type Parser interface {
	Name() string
	// Parse reports ok=false when the layout does not occur in name.
	Parse(name string, now time.Time) (Extraction, bool)
}

// Extractor derives an Extraction from stream names. With a custom pattern
// only that pattern is consulted; otherwise the built-in formats are tried
// in priority order and the event number comes from the fallback key rule.
type Extractor struct {
	parsers []Parser
	custom  bool
}

var defaultExtractor = &Extractor{parsers: builtinFormats}

// DefaultExtractor uses the built-in formats only.
func DefaultExtractor() *Extractor { return defaultExtractor }

// NewExtractor compiles pattern, which must already be in canonical form.
// An empty pattern selects the built-in formats.
func NewExtractor(pattern string) (*Extractor, error) {
	if strings.TrimSpace(pattern) == "" {
		return defaultExtractor, nil
	}
	p, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return &Extractor{parsers: []Parser{p}, custom: true}, nil
}

// Custom reports whether a channel pattern is in use.
func (x *Extractor) Custom() bool { return x.custom }

// Extract never fails: names it cannot read get no time and UnorderedKey.
func (x *Extractor) Extract(name string, now time.Time) Extraction {
	name = norm.NFKC.String(name)
	for _, p := range x.parsers {
		if ex, ok := p.Parse(name, now); ok {
			return ex
		}
	}
	if x.custom {
		return Extraction{Key: UnorderedKey}
	}
	return Extraction{Key: fallbackKey(name)}
}

// ---- custom patterns ----

// CustomPattern is a channel's named-group expression. Recognized groups are
// year, month, day, hour, minute, second, ampm and order; others are ignored.
type CustomPattern struct {
	re     *regexp.Regexp
	groups map[string]int
}

// CompilePattern compiles a canonical pattern.
func CompilePattern(pattern string) (*CustomPattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	groups := map[string]int{}
	for i, n := range re.SubexpNames() {
		if n != "" {
			if _, dup := groups[n]; !dup {
				groups[n] = i
			}
		}
	}
	return &CustomPattern{re: re, groups: groups}, nil
}

func (p *CustomPattern) Name() string { return "pattern" }

func (p *CustomPattern) String() string { return p.re.String() }

func (p *CustomPattern) Parse(name string, now time.Time) (Extraction, bool) {
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return Extraction{}, false
	}
	group := func(n string) string {
		if i, ok := p.groups[n]; ok && i < len(m) {
			return strings.TrimSpace(m[i])
		}
		return ""
	}

	ex := Extraction{Key: UnorderedKey}
	if n, ok := digits(group("order")); ok {
		ex.Key = EventKey(n)
	}
	f := dateFields{
		year: group("year"), month: group("month"), day: group("day"),
		hour: group("hour"), minute: group("minute"), second: group("second"),
		meridiem: group("ampm"),
	}
	if t, ok := f.resolve(now); ok {
		ex.Start, ex.HasTime, ex.Source = t, true, p.Name()
	}
	return ex, true
}

// dateFields holds raw captured text. Missing date parts default to now's
// date, missing clock parts to zero.
type dateFields struct {
	year, month, day     string
	hour, minute, second string
	meridiem             string
}

func (f dateFields) resolve(now time.Time) (time.Time, bool) {
	year, month, day := now.Year(), int(now.Month()), now.Day()
	var hour, minute, second int
	var ok bool

	if f.year != "" {
		if year, ok = digits(f.year); !ok {
			return time.Time{}, false
		}
		if len(f.year) == 2 {
			year += 2000
		}
	}
	if f.month != "" {
		if month, ok = parseMonth(f.month); !ok {
			return time.Time{}, false
		}
	}
	if f.day != "" {
		if day, ok = digits(f.day); !ok {
			return time.Time{}, false
		}
	}
	if f.hour != "" {
		if hour, ok = digits(f.hour); !ok {
			return time.Time{}, false
		}
	}
	if f.minute != "" {
		if minute, ok = digits(f.minute); !ok {
			return time.Time{}, false
		}
	}
	if f.second != "" {
		if second, ok = digits(f.second); !ok {
			return time.Time{}, false
		}
	}
	if hour, ok = applyMeridiem(hour, f.meridiem); !ok {
		return time.Time{}, false
	}
	return validDate(year, month, day, hour, minute, second, now.Location())
}

// validDate rejects components time.Date would silently normalize.
func validDate(year, month, day, hour, minute, second int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func applyMeridiem(hour int, meridiem string) (int, bool) {
	m := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(meridiem), ".", ""))
	switch {
	case m == "":
		return hour, true
	case strings.HasPrefix(m, "P"):
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour != 12 {
			hour += 12
		}
		return hour, true
	case strings.HasPrefix(m, "A"):
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			hour = 0
		}
		return hour, true
	default:
		return 0, false
	}
}

var monthPrefixes = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// parseMonth accepts 1..12 or a name of at least three letters.
func parseMonth(s string) (int, bool) {
	if n, ok := digits(s); ok {
		return n, n >= 1 && n <= 12
	}
	if len(s) < 3 {
		return 0, false
	}
	n, ok := monthPrefixes[strings.ToLower(s[:3])]
	return n, ok
}

func digits(s string) (int, bool) {
	if s == "" || len(s) > 9 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ---- built-in formats ----

var keyPattern = regexp.MustCompile(`(?i)(?:PPV|EVENT|UFC|NBA)\s*(\d+)`)

func fallbackKey(name string) EventKey {
	m := keyPattern.FindStringSubmatch(name)
	if m == nil {
		return UnorderedKey
	}
	n, ok := digits(m[1])
	if !ok {
		return UnorderedKey
	}
	return EventKey(n)
}

type builtinFormat struct {
	name  string
	re    *regexp.Regexp
	build func(m []string, now time.Time) (time.Time, bool)
}

func (b builtinFormat) Name() string { return b.name }

func (b builtinFormat) Parse(name string, now time.Time) (Extraction, bool) {
	m := b.re.FindStringSubmatch(name)
	if m == nil {
		return Extraction{}, false
	}
	t, ok := b.build(m, now)
	if !ok {
		return Extraction{}, false
	}
	return Extraction{Start: t, HasTime: true, Key: fallbackKey(name), Source: b.name}, true
}

// builtinFormats are tried in this order; the first that yields a valid
// time wins.
var builtinFormats = []Parser{
	// start:2025-11-22 20:00:00
	builtinFormat{
		name: "start",
		re:   regexp.MustCompile(`(?i)start:\s*(\d{4})-(\d{1,2})-(\d{1,2})[ T]+(\d{1,2}):(\d{2})(?::(\d{2}))?`),
		build: func(m []string, now time.Time) (time.Time, bool) {
			return dateFields{year: m[1], month: m[2], day: m[3], hour: m[4], minute: m[5], second: m[6]}.resolve(now)
		},
	},
	// / Nov 22 : 8PM UK
	builtinFormat{
		name: "dated",
		re:   regexp.MustCompile(`(?i)/\s*([a-z]{3,})\.?\s+(\d{1,2})\s*:\s*(\d{1,2})(?::(\d{2}))?\s*(AM|PM)\s*(?:UK|GMT|BST|ET|EST|EDT|CET|CEST|PT|PST|PDT)\b`),
		build: func(m []string, now time.Time) (time.Time, bool) {
			return dateFields{month: m[1], day: m[2], hour: m[3], minute: m[4], meridiem: m[5]}.resolve(now)
		},
	},
	// - 7PM Main Card
	builtinFormat{
		name: "time_only",
		re:   regexp.MustCompile(`(?i)-\s*(\d{1,2})(?::(\d{2}))?\s*(AM|PM)\s+\w`),
		build: func(m []string, now time.Time) (time.Time, bool) {
			return dateFields{hour: m[1], minute: m[2], meridiem: m[3]}.resolve(now)
		},
	},
}
