package pgx

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

const graphChunk = 250

func vectorArg(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// UpsertEntities persists entities in chunked transactions. Identity is the
// (topic, normalized name) pair; a conflicting insert keeps the existing row
// ID and overwrites the description when the incoming one is non-empty.
func (s *Store) UpsertEntities(ctx context.Context, entities []common.Entity) ([]common.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	out := make([]common.Entity, 0, len(entities))
	err := store.ChunkRange(len(entities), graphChunk, func(start, end int) error {
		chunk := entities[start:end]
		logger.Debug("[Store][UpsertEntities] Saving chunk", "entities", len(chunk))

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, e := range chunk {
			if e.ID == "" {
				id, err := gonanoid.New()
				if err != nil {
					return err
				}
				e.ID = id
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = s.now()
			}

			row := tx.QueryRow(ctx, `
				INSERT INTO entities (id, topic_name, name, normalized_name, description, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (topic_name, normalized_name) DO UPDATE SET
					description = CASE WHEN EXCLUDED.description <> ''
						THEN EXCLUDED.description ELSE entities.description END,
					embedding = COALESCE(EXCLUDED.embedding, entities.embedding)
				RETURNING id, name, description, created_at`,
				e.ID, e.TopicName, e.Name, common.NormalizeName(e.Name),
				e.Description, vectorArg(e.Embedding), e.CreatedAt,
			)

			persisted := common.Entity{TopicName: e.TopicName, Embedding: e.Embedding}
			err := row.Scan(&persisted.ID, &persisted.Name, &persisted.Description, &persisted.CreatedAt)
			if err != nil {
				return err
			}
			out = append(out, persisted)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertRelationships persists relationships in chunked transactions,
// deduplicating on (topic, source, target, description signature).
func (s *Store) UpsertRelationships(ctx context.Context, relationships []common.Relationship) ([]common.Relationship, error) {
	if len(relationships) == 0 {
		return nil, nil
	}

	out := make([]common.Relationship, 0, len(relationships))
	err := store.ChunkRange(len(relationships), graphChunk, func(start, end int) error {
		chunk := relationships[start:end]
		logger.Debug("[Store][UpsertRelationships] Saving chunk", "relationships", len(chunk))

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, r := range chunk {
			if r.ID == "" {
				id, err := gonanoid.New()
				if err != nil {
					return err
				}
				r.ID = id
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = s.now()
			}

			// The no-op conflict update lets RETURNING yield the
			// surviving row for both insert and dedup hit.
			row := tx.QueryRow(ctx, `
				INSERT INTO relationships (id, topic_name, source_entity_id, target_entity_id,
					description, signature, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (topic_name, source_entity_id, target_entity_id, signature) DO UPDATE SET
					signature = relationships.signature
				RETURNING id, description, created_at`,
				r.ID, r.TopicName, r.SourceEntityID, r.TargetEntityID,
				r.Description, s.signature(r.Description), vectorArg(r.Embedding), r.CreatedAt,
			)

			persisted := common.Relationship{
				TopicName:      r.TopicName,
				SourceEntityID: r.SourceEntityID,
				TargetEntityID: r.TargetEntityID,
				Embedding:      r.Embedding,
			}
			err := row.Scan(&persisted.ID, &persisted.Description, &persisted.CreatedAt)
			if err != nil {
				return err
			}
			out = append(out, persisted)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) EntitiesByTopic(ctx context.Context, topicName string) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, topic_name, name, description, embedding, created_at
		FROM entities WHERE topic_name = $1 ORDER BY id`, topicName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntity(row pgxv5.Row) (*common.Entity, error) {
	var e common.Entity
	var emb *pgvector.Vector
	err := row.Scan(&e.ID, &e.TopicName, &e.Name, &e.Description, &emb, &e.CreatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if emb != nil {
		e.Embedding = emb.Slice()
	}
	return &e, nil
}

func (s *Store) RelationshipsByTopic(ctx context.Context, topicName string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, topic_name, source_entity_id, target_entity_id, description, embedding, created_at
		FROM relationships WHERE topic_name = $1 ORDER BY id`, topicName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Relationship, 0)
	for rows.Next() {
		var r common.Relationship
		var emb *pgvector.Vector
		err := rows.Scan(&r.ID, &r.TopicName, &r.SourceEntityID, &r.TargetEntityID,
			&r.Description, &emb, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		if emb != nil {
			r.Embedding = emb.Slice()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) EntityByName(ctx context.Context, topicName, name string) (*common.Entity, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id, topic_name, name, description, embedding, created_at
		FROM entities WHERE topic_name = $1 AND normalized_name = $2`,
		topicName, common.NormalizeName(name))
	return scanEntity(row)
}

func (s *Store) SaveMappings(ctx context.Context, mappings []common.SourceGraphMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	return store.ChunkRange(len(mappings), graphChunk, func(start, end int) error {
		chunk := mappings[start:end]

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, m := range chunk {
			if m.CreatedAt.IsZero() {
				m.CreatedAt = s.now()
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO source_graph_mappings (source_id, element_id, element_type, topic_name, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING`,
				m.SourceID, m.ElementID, m.ElementType, m.TopicName, m.CreatedAt,
			)
			if err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

func (s *Store) MappedSourceIDs(ctx context.Context, topicName string) (map[string]bool, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT source_id FROM source_graph_mappings WHERE topic_name = $1`, topicName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SearchRelationships scores relationships by cosine similarity using the
// pgvector <=> operator, best first with ID as tiebreaker.
func (s *Store) SearchRelationships(ctx context.Context, embedding []float32, topicName string, limit int) ([]common.ScoredRelationship, error) {
	sql := `
		SELECT id, topic_name, source_entity_id, target_entity_id, description, created_at,
			1 - (embedding <=> $1) AS score
		FROM relationships
		WHERE embedding IS NOT NULL AND ($2 = '' OR topic_name = $2)
		ORDER BY score DESC, id ASC`
	args := []any{pgvector.NewVector(embedding), topicName}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.ScoredRelationship, 0)
	for rows.Next() {
		var hit common.ScoredRelationship
		r := &hit.Relationship
		err := rows.Scan(&r.ID, &r.TopicName, &r.SourceEntityID, &r.TargetEntityID,
			&r.Description, &r.CreatedAt, &hit.Score)
		if err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}
