package pgx

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store"
)

func (s *Store) SaveSource(ctx context.Context, source *common.SourceData) error {
	if source.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		source.ID = id
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = s.now()
	}
	attrs := source.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO sources (id, name, content, content_override, link, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			content_override = EXCLUDED.content_override,
			attributes = EXCLUDED.attributes`,
		source.ID, source.Name,
		util.SanitizePostgresText(source.Content),
		util.SanitizePostgresText(source.ContentOverride),
		source.Link, attrs, source.CreatedAt,
	)
	return err
}

func (s *Store) GetSource(ctx context.Context, id string) (*common.SourceData, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id, name, content, content_override, link, attributes, created_at
		FROM sources WHERE id = $1`, id)
	return scanSource(row)
}

func scanSource(row pgxv5.Row) (*common.SourceData, error) {
	var src common.SourceData
	err := row.Scan(&src.ID, &src.Name, &src.Content, &src.ContentOverride,
		&src.Link, &src.Attributes, &src.CreatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Store) SourcesByTopic(ctx context.Context, topicName string) ([]*common.SourceData, error) {
	return s.querySources(ctx, `
		SELECT id, name, content, content_override, link, attributes, created_at
		FROM sources
		WHERE attributes->>'topic_name' = $1
		ORDER BY created_at ASC, id ASC`, topicName)
}

func (s *Store) UnmappedSources(ctx context.Context, topicName string) ([]*common.SourceData, error) {
	return s.querySources(ctx, `
		SELECT s.id, s.name, s.content, s.content_override, s.link, s.attributes, s.created_at
		FROM sources s
		WHERE s.attributes->>'topic_name' = $1
		AND NOT EXISTS (
			SELECT 1 FROM source_graph_mappings m
			WHERE m.source_id = s.id AND m.topic_name = $1
		)
		ORDER BY s.created_at ASC, s.id ASC`, topicName)
}

func (s *Store) TopicsWithUnmappedSources(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT s.attributes->>'topic_name'
		FROM sources s
		WHERE s.attributes->>'topic_name' IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM source_graph_mappings m
			WHERE m.source_id = s.id AND m.topic_name = s.attributes->>'topic_name'
		)
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}

func (s *Store) querySources(ctx context.Context, sql string, args ...any) ([]*common.SourceData, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*common.SourceData, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) SaveCognitiveMap(ctx context.Context, m *common.CognitiveMap) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO cognitive_maps (source_id, topic_name, source_name, summary,
			key_entities, theme_keywords, timeline, structural_pattern)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_id, topic_name) DO UPDATE SET
			source_name = EXCLUDED.source_name,
			summary = EXCLUDED.summary,
			key_entities = EXCLUDED.key_entities,
			theme_keywords = EXCLUDED.theme_keywords,
			timeline = EXCLUDED.timeline,
			structural_pattern = EXCLUDED.structural_pattern`,
		m.SourceID, m.TopicName, m.SourceName, util.SanitizePostgresText(m.Summary),
		m.KeyEntities, m.ThemeKeywords, m.Timeline, m.StructuralPattern,
	)
	return err
}

func (s *Store) GetCognitiveMap(ctx context.Context, sourceID, topicName string) (*common.CognitiveMap, error) {
	var m common.CognitiveMap
	err := s.conn.QueryRow(ctx, `
		SELECT source_id, topic_name, source_name, summary,
			key_entities, theme_keywords, timeline, structural_pattern
		FROM cognitive_maps
		WHERE source_id = $1 AND topic_name = $2`, sourceID, topicName,
	).Scan(&m.SourceID, &m.TopicName, &m.SourceName, &m.Summary,
		&m.KeyEntities, &m.ThemeKeywords, &m.Timeline, &m.StructuralPattern)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
