// Package canon derives stable identities for extracted insight items.
//
// Everything here is a pure function of its input: no I/O, no clock, no errors.
// Missing fields contribute empty strings to the canonical form.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fact types.
const (
	TypeAction   = "action"
	TypeDecision = "decision"
	TypeRisk     = "risk"
)

// itemHashNS versions the delivery item hash layout.
const itemHashNS = "live-insights:v1"

// maxHashedSpans caps how many evidence citations feed ItemHash.
const maxHashedSpans = 2

// Span cites the evidence an item was extracted from.
type Span struct {
	SourceID string `json:"source_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// OwnerResolution is the upstream resolver's verdict on who owns an item.
type OwnerResolution struct {
	Status     string   `json:"status,omitempty"` // explicit, implicit, unknown
	Confidence *float64 `json:"confidence,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// Item is a raw extracted action, decision or risk.
type Item struct {
	Type            string          `json:"type"`
	Topic           string          `json:"topic"`
	Description     string          `json:"description"`
	OwnerID         string          `json:"owner_user_id,omitempty"`
	OwnerName       string          `json:"owner_name,omitempty"`
	OwnerResolution OwnerResolution `json:"owner_resolution"`
	Confidence      *float64        `json:"confidence,omitempty"`
	OwnerConfidence *float64        `json:"owner_confidence,omitempty"`
	Due             string          `json:"due,omitempty"`
	Evidence        []Span          `json:"evidence,omitempty"`
	Embedding       []float64       `json:"embedding,omitempty"`
	EmbeddingModel  string          `json:"embedding_model,omitempty"`
}

// Normalize trims, lower-cases and collapses whitespace runs to a single space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeType maps extractor vocabulary onto the three fact types.
// Unknown types map to "".
func NormalizeType(t string) string {
	switch Normalize(t) {
	case "action", "task", "todo", "follow-up", "followup":
		return TypeAction
	case "decision", "agreement", "approval":
		return TypeDecision
	case "risk", "issue", "concern", "blocker":
		return TypeRisk
	}
	return ""
}

// Canonical returns the display form "[type] topic — description" and the
// hex SHA-256 of its normalized form. Items that differ only in casing or
// whitespace share a hash.
func Canonical(it Item) (text, hash string) {
	t := strings.ToLower(strings.TrimSpace(it.Type))
	text = strings.TrimSpace(fmt.Sprintf("[%s] %s — %s",
		t, strings.TrimSpace(it.Topic), strings.TrimSpace(it.Description)))
	sum := sha256.Sum256([]byte(Normalize(text)))
	return text, hex.EncodeToString(sum[:])
}

type hashedSpan struct {
	SourceID string `json:"source_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

type itemHashBase struct {
	NS        string       `json:"ns"`
	SourceRef string       `json:"source_ref"`
	Type      string       `json:"type"`
	Topic     string       `json:"topic"`
	Evidence  []hashedSpan `json:"evidence"`
}

// ItemHash identifies an item for (fact, recipient) delivery dedup. It covers
// the source reference, normalized type and topic, and at most two evidence
// citations taken after sorting, so citation order never changes the hash.
func ItemHash(sourceRef string, it Item) string {
	spans := make([]hashedSpan, 0, len(it.Evidence))
	for _, e := range it.Evidence {
		spans = append(spans, hashedSpan{SourceID: e.SourceID, Start: e.Start, End: e.End})
	}
	sort.Slice(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})
	if len(spans) > maxHashedSpans {
		spans = spans[:maxHashedSpans]
	}

	base := itemHashBase{
		NS:        itemHashNS,
		SourceRef: Normalize(sourceRef),
		Type:      Normalize(it.Type),
		Topic:     Normalize(it.Topic),
		Evidence:  spans,
	}
	// Marshal of a fixed struct of strings/ints cannot fail.
	data, _ := json.Marshal(base)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}
