package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

const relationEMAIncoming = 0.3
const relationEMAExisting = 0.7

// UpsertRelation implements the EMA confidence update of spec §4.6: an
// existing (subject, predicate, object, agent_id) row has its confidence
// blended 0.3·incoming + 0.7·existing, extraction_count incremented,
// source_memory_id backfilled only if previously null, and one evidence row
// appended. A new tuple is inserted with extraction_count=1.
func (s *MemoryStore) UpsertRelation(ctx context.Context, in store.RelationInput) (*types.Relation, error) {
	if in.AgentID == "" {
		in.AgentID = types.DefaultAgentID
	}
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: upsert relation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rel types.Relation
	var existingSourceMemory sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, confidence, extraction_count, source_memory_id, expired, created_at
		FROM relations WHERE subject = ? AND predicate = ? AND object = ? AND agent_id = ?
	`, in.Subject, in.Predicate, in.Object, in.AgentID).Scan(
		&rel.ID, &rel.Confidence, &rel.ExtractionCount, &existingSourceMemory, &rel.Expired, &rel.CreatedAt)

	switch {
	case err == sql.ErrNoRows:
		rel = types.Relation{
			ID:              newID(),
			Subject:         in.Subject,
			Predicate:       in.Predicate,
			Object:          in.Object,
			Confidence:      in.Confidence,
			SourceMemoryID:  in.MemoryID,
			AgentID:         in.AgentID,
			Source:          in.Source,
			ExtractionCount: 1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if in.Expired != nil {
			rel.Expired = *in.Expired
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relations (id, subject, predicate, object, confidence, source_memory_id,
				agent_id, source, extraction_count, expired, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		`, rel.ID, rel.Subject, rel.Predicate, rel.Object, rel.Confidence, nullIfEmpty(rel.SourceMemoryID),
			rel.AgentID, rel.Source, rel.ExtractionCount, boolToInt(rel.Expired), rel.CreatedAt, rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: insert relation: %w", err)
		}
		if err := insertEvidence(ctx, tx, rel.ID, in, now); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, fmt.Errorf("sqlite: lookup relation: %w", err)

	default:
		rel.Subject, rel.Predicate, rel.Object = in.Subject, in.Predicate, in.Object
		rel.AgentID, rel.Source = in.AgentID, in.Source
		rel.Confidence = clamp01(relationEMAIncoming*in.Confidence + relationEMAExisting*rel.Confidence)
		rel.ExtractionCount++
		rel.UpdatedAt = now
		if existingSourceMemory.Valid {
			rel.SourceMemoryID = existingSourceMemory.String
		} else if in.MemoryID != "" {
			rel.SourceMemoryID = in.MemoryID
		}
		if in.Expired != nil {
			rel.Expired = *in.Expired
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE relations SET confidence = ?, extraction_count = ?, source_memory_id = ?,
				expired = ?, updated_at = ?
			WHERE id = ?
		`, rel.Confidence, rel.ExtractionCount, nullIfEmpty(rel.SourceMemoryID),
			boolToInt(rel.Expired), now, rel.ID); err != nil {
			return nil, fmt.Errorf("sqlite: update relation: %w", err)
		}
		if err := insertEvidence(ctx, tx, rel.ID, in, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: upsert relation commit: %w", err)
	}
	return &rel, nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, relationID string, in store.RelationInput, now time.Time) error {
	channel := in.Channel
	if channel == "" {
		channel = types.ChannelDeep
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO relation_evidence (id, relation_id, source_memory_id, confidence, channel, created_at)
		VALUES (?,?,?,?,?,?)
	`, newID(), relationID, nullIfEmpty(in.MemoryID), in.Confidence, channel, now)
	if err != nil {
		return fmt.Errorf("sqlite: insert relation evidence: %w", err)
	}
	return nil
}

// ListRelations returns relations for an agent, optionally filtered by
// predicate and expired state.
func (s *MemoryStore) ListRelations(ctx context.Context, filter store.RelationFilter) ([]*types.Relation, error) {
	if filter.AgentID == "" {
		filter.AgentID = types.DefaultAgentID
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	clauses := []string{"agent_id = ?"}
	args := []interface{}{filter.AgentID}
	if filter.Predicate != "" {
		clauses = append(clauses, "predicate = ?")
		args = append(args, filter.Predicate)
	}
	if filter.ExpiredIn != nil {
		clauses = append(clauses, "expired = ?")
		args = append(args, boolToInt(*filter.ExpiredIn))
	}
	args = append(args, filter.Limit)

	q := `SELECT id, subject, predicate, object, confidence, source_memory_id, agent_id,
		source, extraction_count, expired, created_at, updated_at
		FROM relations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Relation
	for rows.Next() {
		var r types.Relation
		var sourceMemory sql.NullString
		var expired int
		if err := rows.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object, &r.Confidence,
			&sourceMemory, &r.AgentID, &r.Source, &r.ExtractionCount, &expired,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan relation: %w", err)
		}
		r.SourceMemoryID = sourceMemory.String
		r.Expired = expired != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkRelationExpired flips a relation's expired flag.
func (s *MemoryStore) MarkRelationExpired(ctx context.Context, id string, expired bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relations SET expired = ?, updated_at = ? WHERE id = ?`,
		boolToInt(expired), s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark relation expired: %w", err)
	}
	return checkRowsAffected(res)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
