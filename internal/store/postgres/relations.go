package postgres

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

// UpsertRelation implements the EMA confidence blend of spec §4.6, same
// semantics as the sqlite backend.
func (s *MemoryStore) UpsertRelation(ctx context.Context, in store.RelationInput) (*types.Relation, error) {
	if in.AgentID == "" {
		in.AgentID = types.DefaultAgentID
	}
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert relation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rel types.Relation
	var existingSourceMemory sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, confidence, extraction_count, source_memory_id, expired
		FROM relations WHERE subject = $1 AND predicate = $2 AND object = $3 AND agent_id = $4
		FOR UPDATE
	`, in.Subject, in.Predicate, in.Object, in.AgentID).Scan(
		&rel.ID, &rel.Confidence, &rel.ExtractionCount, &existingSourceMemory, &rel.Expired)

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
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, rel.ID, rel.Subject, rel.Predicate, rel.Object, rel.Confidence, nullIfEmpty(rel.SourceMemoryID),
			rel.AgentID, rel.Source, rel.ExtractionCount, rel.Expired, rel.CreatedAt, rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: insert relation: %w", err)
		}
		if err := insertEvidence(ctx, tx, rel.ID, in, now); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, fmt.Errorf("postgres: lookup relation: %w", err)

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
			UPDATE relations SET confidence = $1, extraction_count = $2, source_memory_id = $3,
				expired = $4, updated_at = $5
			WHERE id = $6
		`, rel.Confidence, rel.ExtractionCount, nullIfEmpty(rel.SourceMemoryID),
			rel.Expired, now, rel.ID); err != nil {
			return nil, fmt.Errorf("postgres: update relation: %w", err)
		}
		if err := insertEvidence(ctx, tx, rel.ID, in, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: upsert relation commit: %w", err)
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
		VALUES ($1,$2,$3,$4,$5,$6)
	`, newID(), relationID, nullIfEmpty(in.MemoryID), in.Confidence, channel, now)
	if err != nil {
		return fmt.Errorf("postgres: insert relation evidence: %w", err)
	}
	return nil
}

// ListRelations returns relations for an agent, newest-updated first.
func (s *MemoryStore) ListRelations(ctx context.Context, filter store.RelationFilter) ([]*types.Relation, error) {
	if filter.AgentID == "" {
		filter.AgentID = types.DefaultAgentID
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	clauses := []string{"agent_id = $1"}
	args := []interface{}{filter.AgentID}
	n := 2
	if filter.Predicate != "" {
		clauses = append(clauses, fmt.Sprintf("predicate = $%d", n))
		args = append(args, filter.Predicate)
		n++
	}
	if filter.ExpiredIn != nil {
		clauses = append(clauses, fmt.Sprintf("expired = $%d", n))
		args = append(args, *filter.ExpiredIn)
		n++
	}
	args = append(args, filter.Limit)

	q := fmt.Sprintf(`SELECT id, subject, predicate, object, confidence, source_memory_id, agent_id,
		source, extraction_count, expired, created_at, updated_at
		FROM relations WHERE %s ORDER BY updated_at DESC LIMIT $%d`,
		strings.Join(clauses, " AND "), n)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Relation
	for rows.Next() {
		var r types.Relation
		var sourceMemory sql.NullString
		if err := rows.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object, &r.Confidence,
			&sourceMemory, &r.AgentID, &r.Source, &r.ExtractionCount, &r.Expired,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan relation: %w", err)
		}
		r.SourceMemoryID = sourceMemory.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkRelationExpired flips a relation's expired flag.
func (s *MemoryStore) MarkRelationExpired(ctx context.Context, id string, expired bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relations SET expired = $1, updated_at = $2 WHERE id = $3`,
		expired, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: mark relation expired: %w", err)
	}
	return checkRowsAffected(res)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
