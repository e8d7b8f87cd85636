package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Parsed is the outcome of the lexical pre-parse: filters pulled out of the
// query text plus the residual keyword query.
type Parsed struct {
	Query      string
	Tags       []string
	DateFrom   *time.Time
	DateTo     *time.Time
	TypeHint   string
	EntityHint string
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"i": {}, "me": {}, "my": {}, "we": {}, "our": {}, "you": {}, "your": {},
	"it": {}, "its": {}, "of": {}, "to": {}, "in": {}, "on": {}, "at": {},
	"for": {}, "with": {}, "about": {}, "from": {}, "that": {}, "this": {},
	"what": {}, "when": {}, "where": {}, "who": {}, "which": {}, "how": {},
	"did": {}, "do": {}, "does": {}, "have": {}, "has": {}, "had": {},
	"show": {}, "find": {}, "search": {}, "get": {}, "all": {}, "any": {},
	"and": {}, "or": {}, "not": {}, "be": {}, "been": {}, "will": {},
}

var typeHints = map[string]string{
	"note": "note", "notes": "note",
	"task": "task", "tasks": "task", "todo": "task", "todos": "task",
	"idea": "idea", "ideas": "idea",
	"meeting": "meeting", "meetings": "meeting",
	"code": "code", "snippet": "code", "snippets": "code",
}

var (
	hashtagRe    = regexp.MustCompile(`#([\w-]+)`)
	tagPrefixRe  = regexp.MustCompile(`(?i)\btag:([\w-]+)`)
	lastNDaysRe  = regexp.MustCompile(`(?i)\blast\s+(\d+)\s+days?\b`)
	lastNHoursRe = regexp.MustCompile(`(?i)\blast\s+(\d+)\s+hours?\b`)
	nDaysAgoRe   = regexp.MustCompile(`(?i)\b(\d+)\s+days?\s+ago\b`)
	isoDateRe    = regexp.MustCompile(`(?i)\b(?:on\s+)?(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe     = regexp.MustCompile(`(?i)\b(?:on\s+)?(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	capBigramRe  = regexp.MustCompile(`\b([A-Z][a-z]+)\s+([A-Z][a-z]+)\b`)
)

// Parse runs the heuristic pre-parse over a natural-language query. It is
// lexical only; anything it cannot claim stays in the residual query.
func Parse(query string, now time.Time) Parsed {
	p := Parsed{}
	rest := query

	rest, p.DateFrom, p.DateTo = extractTemporal(rest, now)

	for _, m := range hashtagRe.FindAllStringSubmatch(rest, -1) {
		p.Tags = append(p.Tags, strings.ToLower(m[1]))
	}
	rest = hashtagRe.ReplaceAllString(rest, " ")
	for _, m := range tagPrefixRe.FindAllStringSubmatch(rest, -1) {
		p.Tags = append(p.Tags, strings.ToLower(m[1]))
	}
	rest = tagPrefixRe.ReplaceAllString(rest, " ")

	// A capitalized bigram not at the sentence start reads like a person or
	// project name.
	if m := capBigramRe.FindStringSubmatchIndex(rest); m != nil && m[0] > 0 {
		p.EntityHint = rest[m[2]:m[3]] + " " + rest[m[4]:m[5]]
	}

	var kept []string
	for _, word := range strings.Fields(rest) {
		cleaned := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if cleaned == "" {
			continue
		}
		lower := strings.ToLower(cleaned)
		if hint, ok := typeHints[lower]; ok && p.TypeHint == "" {
			p.TypeHint = hint
			continue
		}
		if _, stop := stopWords[lower]; stop {
			continue
		}
		kept = append(kept, cleaned)
	}
	p.Query = strings.Join(kept, " ")
	return p
}

func extractTemporal(s string, now time.Time) (string, *time.Time, *time.Time) {
	day := 24 * time.Hour
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	type window struct {
		re       *regexp.Regexp
		from, to func(m []string) (time.Time, time.Time)
	}

	fixed := []struct {
		phrase string
		from   time.Time
		to     time.Time
	}{
		{"today", today, now},
		{"yesterday", today.Add(-day), today},
		{"last week", today.Add(-7 * day), now},
		{"this month", time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now},
		{"last month", time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location()),
			time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())},
	}
	lower := strings.ToLower(s)
	for _, f := range fixed {
		if idx := strings.Index(lower, f.phrase); idx >= 0 {
			s = s[:idx] + s[idx+len(f.phrase):]
			from, to := f.from, f.to
			return s, &from, &to
		}
	}

	windows := []window{
		{lastNDaysRe, func(m []string) (time.Time, time.Time) {
			n, _ := strconv.Atoi(m[1])
			return today.Add(-time.Duration(n) * day), now
		}, nil},
		{lastNHoursRe, func(m []string) (time.Time, time.Time) {
			n, _ := strconv.Atoi(m[1])
			return now.Add(-time.Duration(n) * time.Hour), now
		}, nil},
		{nDaysAgoRe, func(m []string) (time.Time, time.Time) {
			n, _ := strconv.Atoi(m[1])
			start := today.Add(-time.Duration(n) * day)
			return start, start.Add(day)
		}, nil},
	}
	for _, w := range windows {
		if m := w.re.FindStringSubmatch(s); m != nil {
			from, to := w.from(m)
			s = w.re.ReplaceAllString(s, " ")
			return s, &from, &to
		}
	}

	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		if d, err := time.ParseInLocation("2006-01-02", m[1]+"-"+m[2]+"-"+m[3], now.Location()); err == nil {
			s = isoDateRe.ReplaceAllString(s, " ")
			to := d.Add(day)
			return s, &d, &to
		}
	}
	if m := usDateRe.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		dayNum, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && dayNum >= 1 && dayNum <= 31 {
			d := time.Date(year, time.Month(month), dayNum, 0, 0, 0, 0, now.Location())
			s = usDateRe.ReplaceAllString(s, " ")
			to := d.Add(day)
			return s, &d, &to
		}
	}

	return s, nil, nil
}
