package extraction

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/domain"
)

// Lexical detection runs alongside the LLM extractor and needs no provider:
// action items and external references are cheap to spot with patterns, and
// they must be captured even when the extractor is unavailable.

var (
	urlPattern      = regexp.MustCompile(`https?://[^\s<>"']+`)
	emailPattern    = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	githubPattern   = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9-]*)/([a-zA-Z0-9._-]+)#(\d+)\b`)
	checkboxPattern = regexp.MustCompile(`^\s*[-*]\s*\[[ xX]?\]\s*(.+)$`)
	todoPattern     = regexp.MustCompile(`(?i)^\s*(?:TODO|action(?: item)?)\s*[:-]\s*(.+)$`)
)

// DetectReferences scans text for URLs, emails, and GitHub issue refs.
// Each reference carries the line it was found on as context, and is
// deduplicated by (type, value).
func DetectReferences(memoryID uuid.UUID, text string) []domain.ExternalReference {
	var refs []domain.ExternalReference
	seen := make(map[string]bool)

	add := func(t domain.ReferenceType, value, line string) {
		key := string(t) + "\x00" + value
		if seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, domain.ExternalReference{
			MemoryID:      memoryID,
			ReferenceType: t,
			Value:         value,
			Context:       truncateLine(line),
			IsValid:       true,
		})
	}

	for _, line := range strings.Split(text, "\n") {
		for _, m := range urlPattern.FindAllString(line, -1) {
			m = strings.TrimRight(m, ".,;:!?)")
			if strings.Contains(m, "github.com/") {
				add(domain.RefGitHub, m, line)
			} else {
				add(domain.RefURL, m, line)
			}
		}
		for _, m := range emailPattern.FindAllString(line, -1) {
			add(domain.RefEmail, m, line)
		}
		for _, m := range githubPattern.FindAllString(line, -1) {
			add(domain.RefGitHub, m, line)
		}
	}
	return refs
}

// DetectActionItems scans text for checkbox bullets and TODO lines. Lines
// mentioning urgency get priority 1.
func DetectActionItems(memoryID uuid.UUID, text string) []domain.ActionItem {
	var items []domain.ActionItem
	seen := make(map[string]bool)

	add := func(itemText string) {
		itemText = strings.TrimSpace(itemText)
		if itemText == "" || seen[itemText] {
			return
		}
		seen[itemText] = true
		priority := 0
		lower := strings.ToLower(itemText)
		if strings.Contains(lower, "urgent") || strings.Contains(lower, "asap") {
			priority = 1
		}
		items = append(items, domain.ActionItem{
			MemoryID: memoryID,
			Text:     itemText,
			Status:   domain.ActionPending,
			Priority: priority,
		})
	}

	for _, line := range strings.Split(text, "\n") {
		if m := checkboxPattern.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}
		if m := todoPattern.FindStringSubmatch(line); m != nil {
			add(m[1])
		}
	}
	return items
}

func truncateLine(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= 200 {
		return line
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
