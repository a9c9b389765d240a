package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds the upstream-supplied embedding of a fact.
type VectorRecord struct {
	FactID     string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  time.Time
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// saveVectorIfAbsent stores the embedding unless the fact already has one.
func saveVectorIfAbsent(ctx context.Context, q querier, factID string, embedding []float64, model string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fact_vectors (fact_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fact_id) DO NOTHING
	`, factID, encodeEmbedding(embedding), model, len(embedding), millis(now))
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for a fact, or nil if not found.
func (db *DB) GetVector(ctx context.Context, factID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte
	var created int64

	err := db.QueryRowContext(ctx, `
		SELECT fact_id, embedding, model, dimensions, created_at
		FROM fact_vectors WHERE fact_id = ?
	`, factID).Scan(&v.FactID, &blob, &v.Model, &v.Dimensions, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	v.CreatedAt = fromMillis(created)
	return &v, nil
}
