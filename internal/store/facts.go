package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/factlog/internal/canon"
)

// Fact status and lifecycle values as stored.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"

	StateOpen       = "open"
	StateInProgress = "in_progress"
	StateStale      = "stale"
	StateClosed     = "closed"
)

// Fact is a deduplicated, content-addressed insight.
type Fact struct {
	ID                 string
	ScopeID            string
	SourceRef          string
	Type               string
	CanonicalText      string
	CanonicalHash      string
	Topic              string
	Description        string
	Status             string
	LifecycleState     string
	OwnerID            string
	CandidateAssignees []string
	DueAt              *time.Time
	Confidence         float64
	SourceSpans        []canon.Span
	FirstSeenAt        time.Time
	LastSeenAt         time.Time
	FirstOpenedAt      *time.Time
	LastTransitionAt   *time.Time
	AutoClosedAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FactInput is one sighting of a fact, already canonicalized and sanitized.
type FactInput struct {
	ScopeID            string
	SourceRef          string
	Type               string
	CanonicalText      string
	CanonicalHash      string
	Topic              string
	Description        string
	OwnerID            string
	CandidateAssignees []string
	DueAt              *time.Time
	Confidence         float64
	Spans              []canon.Span
	Embedding          []float64
	EmbeddingModel     string
}

// MergeFact folds a re-sighting into an existing fact.
//
//	last_seen_at          now
//	confidence            max(existing, incoming)
//	topic, description    first non-empty (existing wins)
//	owner, due            first non-empty (existing wins)
//	spans, candidates     first non-empty (existing wins)
//	scope_id, source_ref  latest non-empty sighting wins
//
// Identity, status and lifecycle fields are never touched here.
func MergeFact(existing Fact, in FactInput, now time.Time) Fact {
	m := existing
	m.LastSeenAt = now
	if in.Confidence > m.Confidence {
		m.Confidence = in.Confidence
	}
	if m.Topic == "" {
		m.Topic = in.Topic
	}
	if m.Description == "" {
		m.Description = in.Description
	}
	if m.OwnerID == "" {
		m.OwnerID = in.OwnerID
	}
	if m.DueAt == nil && in.DueAt != nil {
		d := *in.DueAt
		m.DueAt = &d
	}
	if len(m.SourceSpans) == 0 && len(in.Spans) > 0 {
		m.SourceSpans = append([]canon.Span(nil), in.Spans...)
	}
	if len(m.CandidateAssignees) == 0 && len(in.CandidateAssignees) > 0 {
		m.CandidateAssignees = append([]string(nil), in.CandidateAssignees...)
	}
	if in.ScopeID != "" {
		m.ScopeID = in.ScopeID
	}
	if in.SourceRef != "" {
		m.SourceRef = in.SourceRef
	}
	m.UpdatedAt = now
	return m
}

const factColumns = `id, scope_id, source_ref, type, canonical_text, canonical_hash, topic, description,
	status, lifecycle_state, owner_id, candidate_assignees, due_at, confidence, source_spans,
	first_seen_at, last_seen_at, first_opened_at, last_transition_at, auto_closed_at,
	created_at, updated_at`

func scanFact(s rowScanner) (*Fact, error) {
	var f Fact
	var sourceRef, topic, description, ownerID, candidates, spans sql.NullString
	var dueAt, firstOpened, lastTransition, autoClosed sql.NullInt64
	var firstSeen, lastSeen, created, updated int64
	err := s.Scan(&f.ID, &f.ScopeID, &sourceRef, &f.Type, &f.CanonicalText, &f.CanonicalHash,
		&topic, &description, &f.Status, &f.LifecycleState, &ownerID, &candidates, &dueAt,
		&f.Confidence, &spans, &firstSeen, &lastSeen, &firstOpened, &lastTransition, &autoClosed,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	f.SourceRef = sourceRef.String
	f.Topic = topic.String
	f.Description = description.String
	f.OwnerID = ownerID.String
	if candidates.Valid && candidates.String != "" {
		if err := json.Unmarshal([]byte(candidates.String), &f.CandidateAssignees); err != nil {
			return nil, fmt.Errorf("decode candidate_assignees: %w", err)
		}
	}
	if spans.Valid && spans.String != "" {
		if err := json.Unmarshal([]byte(spans.String), &f.SourceSpans); err != nil {
			return nil, fmt.Errorf("decode source_spans: %w", err)
		}
	}
	f.DueAt = timePtr(dueAt)
	f.FirstSeenAt = fromMillis(firstSeen)
	f.LastSeenAt = fromMillis(lastSeen)
	f.FirstOpenedAt = timePtr(firstOpened)
	f.LastTransitionAt = timePtr(lastTransition)
	f.AutoClosedAt = timePtr(autoClosed)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func getFactBy(ctx context.Context, q querier, column, value string) (*Fact, error) {
	row := q.QueryRowContext(ctx, "SELECT "+factColumns+" FROM facts WHERE "+column+" = ?", value)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fact by %s: %w", column, err)
	}
	return f, nil
}

// GetFact returns a fact by id, or nil if not found.
func (db *DB) GetFact(ctx context.Context, id string) (*Fact, error) {
	return getFactBy(ctx, db, "id", id)
}

// GetFactByHash returns a fact by canonical hash, or nil if not found.
func (db *DB) GetFactByHash(ctx context.Context, hash string) (*Fact, error) {
	return getFactBy(ctx, db, "canonical_hash", hash)
}

func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// UpsertFact materializes a sighting: a new fact in state open when the
// canonical hash is unseen, otherwise the MergeFact of the stored row. The
// embedding, if any, is stored only when the fact has none yet.
func (db *DB) UpsertFact(ctx context.Context, in FactInput, now time.Time) (*Fact, bool, error) {
	if in.CanonicalHash == "" {
		return nil, false, fmt.Errorf("upsert fact: empty canonical hash")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := getFactBy(ctx, tx, "canonical_hash", in.CanonicalHash)
	if err != nil {
		return nil, false, err
	}

	var fact Fact
	created := existing == nil
	if created {
		fact = Fact{
			ID:                 uuid.NewString(),
			ScopeID:            in.ScopeID,
			SourceRef:          in.SourceRef,
			Type:               in.Type,
			CanonicalText:      in.CanonicalText,
			CanonicalHash:      in.CanonicalHash,
			Topic:              in.Topic,
			Description:        in.Description,
			Status:             StatusOpen,
			LifecycleState:     StateOpen,
			OwnerID:            in.OwnerID,
			CandidateAssignees: in.CandidateAssignees,
			DueAt:              in.DueAt,
			Confidence:         in.Confidence,
			SourceSpans:        in.Spans,
			FirstSeenAt:        now,
			LastSeenAt:         now,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := insertFact(ctx, tx, &fact); err != nil {
			return nil, false, err
		}
	} else {
		fact = MergeFact(*existing, in, now)
		if err := updateMergedFact(ctx, tx, &fact); err != nil {
			return nil, false, err
		}
	}

	if len(in.Embedding) > 0 {
		if err := saveVectorIfAbsent(ctx, tx, fact.ID, in.Embedding, in.EmbeddingModel, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit upsert: %w", err)
	}
	return &fact, created, nil
}

func insertFact(ctx context.Context, tx *sql.Tx, f *Fact) error {
	candidates, err := jsonOrNull(f.CandidateAssignees, len(f.CandidateAssignees) == 0)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	spans, err := jsonOrNull(f.SourceSpans, len(f.SourceSpans) == 0)
	if err != nil {
		return fmt.Errorf("encode spans: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO facts (id, scope_id, source_ref, type, canonical_text, canonical_hash, topic, description,
			status, lifecycle_state, owner_id, candidate_assignees, due_at, confidence, source_spans,
			first_seen_at, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ScopeID, nullString(f.SourceRef), f.Type, f.CanonicalText, f.CanonicalHash,
		nullString(f.Topic), nullString(f.Description), f.Status, f.LifecycleState,
		nullString(f.OwnerID), candidates, nullMillis(f.DueAt), f.Confidence, spans,
		millis(f.FirstSeenAt), millis(f.LastSeenAt), millis(f.CreatedAt), millis(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func updateMergedFact(ctx context.Context, tx *sql.Tx, f *Fact) error {
	candidates, err := jsonOrNull(f.CandidateAssignees, len(f.CandidateAssignees) == 0)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	spans, err := jsonOrNull(f.SourceSpans, len(f.SourceSpans) == 0)
	if err != nil {
		return fmt.Errorf("encode spans: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE facts SET scope_id = ?, source_ref = ?, topic = ?, description = ?, owner_id = ?,
			candidate_assignees = ?, due_at = ?, confidence = ?, source_spans = ?,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?
	`, f.ScopeID, nullString(f.SourceRef), nullString(f.Topic), nullString(f.Description),
		nullString(f.OwnerID), candidates, nullMillis(f.DueAt), f.Confidence, spans,
		millis(f.LastSeenAt), millis(f.UpdatedAt), f.ID)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}
	return nil
}

// FactFilter narrows ListFacts. Zero values match everything.
type FactFilter struct {
	ScopeID string
	Type    string
	State   string
	Limit   int
}

// ListFacts returns facts matching the filter, most recently seen first.
func (db *DB) ListFacts(ctx context.Context, f FactFilter) ([]Fact, error) {
	var where []string
	var args []any
	if f.ScopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, f.ScopeID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		where = append(where, "lifecycle_state = ?")
		args = append(args, f.State)
	}
	query := "SELECT " + factColumns + " FROM facts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen_at DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return db.queryFacts(ctx, query, args...)
}

// ListReductionCandidates returns facts updated or sighted at or after from,
// oldest update first.
func (db *DB) ListReductionCandidates(ctx context.Context, from time.Time) ([]Fact, error) {
	ms := millis(from)
	return db.queryFacts(ctx, "SELECT "+factColumns+` FROM facts
		WHERE updated_at >= ? OR last_seen_at >= ?
		ORDER BY updated_at ASC, id`, ms, ms)
}

func (db *DB) queryFacts(ctx context.Context, query string, args ...any) ([]Fact, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}
