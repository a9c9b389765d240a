package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/canon"
)

// ErrInvalidItem is returned for items that cannot become a fact.
var ErrInvalidItem = errors.New("invalid item")

// Content size limits.
const (
	maxTopicChars       = 300
	maxDescriptionChars = 4000
	maxOwnerChars       = 200
)

// dueLayouts are tried in order when parsing an item's due date.
var dueLayouts = []string{"2006-01-02", time.RFC3339}

// parseDue returns the due date, or nil when absent or unparseable.
func parseDue(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dueLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// validateItem normalizes an item before canonicalization. Only an unknown
// type rejects the item; other defects are trimmed, truncated or dropped.
func (e *Engine) validateItem(it canon.Item) (canon.Item, error) {
	typ := canon.NormalizeType(it.Type)
	if typ == "" {
		return it, fmt.Errorf("%w: unknown type %q", ErrInvalidItem, it.Type)
	}
	it.Type = typ

	it.Topic = strings.TrimSpace(it.Topic)
	it.Description = strings.TrimSpace(it.Description)
	it.OwnerID = strings.TrimSpace(it.OwnerID)

	if len(it.Topic) > maxTopicChars {
		e.log.Debug("validate.truncate", zap.String("field", "topic"), zap.Int("chars", len(it.Topic)))
		it.Topic = truncateClean(it.Topic, maxTopicChars)
	}
	if len(it.Description) > maxDescriptionChars {
		e.log.Debug("validate.truncate", zap.String("field", "description"), zap.Int("chars", len(it.Description)))
		it.Description = truncateClean(it.Description, maxDescriptionChars)
	}
	if len(it.OwnerID) > maxOwnerChars {
		// Too long to be a user id; treat as unresolved.
		it.OwnerID = ""
	}

	spans := it.Evidence[:0:0]
	for _, s := range it.Evidence {
		if strings.TrimSpace(s.SourceID) == "" {
			continue
		}
		if s.End < s.Start {
			s.Start, s.End = s.End, s.Start
		}
		spans = append(spans, s)
	}
	it.Evidence = spans

	return it, nil
}

// truncateClean truncates a string to at most maxLen bytes, cutting at the
// last word boundary to avoid mid-word breaks and never inside a rune.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	// Back up to last space
	truncated := s[:cut]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > cut-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
