package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store"
)

const taskColumns = `id, topic_name, source_ref, inline_content, source_name,
	is_new_topic, status, error, retry_count, created_at, updated_at`

func scanTask(row pgxv5.Row) (*common.GraphBuildTask, error) {
	var t common.GraphBuildTask
	err := row.Scan(
		&t.ID, &t.TopicName, &t.SourceRef, &t.InlineContent, &t.SourceName,
		&t.IsNewTopic, &t.Status, &t.Error, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) EnqueueTask(ctx context.Context, task *common.GraphBuildTask) error {
	if task.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		task.ID = id
	}
	if task.Status == "" {
		task.Status = common.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	task.UpdatedAt = s.now()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO graph_build_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.TopicName, task.SourceRef, task.InlineContent, task.SourceName,
		task.IsNewTopic, task.Status, task.Error, task.RetryCount, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*common.GraphBuildTask, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM graph_build_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error) {
	return s.tasksByStatus(ctx, common.TaskPending, "created_at ASC, id ASC", limit)
}

func (s *Store) FailedTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error) {
	return s.tasksByStatus(ctx, common.TaskFailed, "updated_at DESC, id ASC", limit)
}

func (s *Store) tasksByStatus(ctx context.Context, status common.TaskStatus, order string, limit int) ([]*common.GraphBuildTask, error) {
	sql := `SELECT ` + taskColumns + ` FROM graph_build_tasks WHERE status = $1 ORDER BY ` + order
	args := []any{status}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*common.GraphBuildTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask relies on the conditional update's row count to decide the race:
// only the worker whose update still saw status pending wins.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE graph_build_tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		common.TaskProcessing, s.now(), id, common.TaskPending,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 0 {
		return true, nil
	}

	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.transition(ctx, id, common.TaskProcessing, common.TaskCompleted, "")
}

func (s *Store) FailTask(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, common.TaskProcessing, common.TaskFailed, reason)
}

func (s *Store) transition(ctx context.Context, id string, from, to common.TaskStatus, reason string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE graph_build_tasks
		SET status = $1, error = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		to, reason, s.now(), id, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s, expected %s", id, t.Status, from)
	}
	return nil
}

func (s *Store) RequeueTask(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE graph_build_tasks
		SET status = $1, error = '', retry_count = retry_count + 1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		common.TaskPending, s.now(), id, common.TaskFailed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s, only failed tasks can be requeued", id, t.Status)
	}
	return nil
}

func (s *Store) TopicStatuses(ctx context.Context, topicName string) ([]*common.TopicStatus, error) {
	sql := `
		SELECT topic_name,
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MAX(updated_at)
		FROM graph_build_tasks
		WHERE $1 = '' OR topic_name = $1
		GROUP BY topic_name
		ORDER BY topic_name`

	rows, err := s.conn.Query(ctx, sql, topicName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*common.TopicStatus, 0)
	for rows.Next() {
		var ts common.TopicStatus
		err := rows.Scan(&ts.TopicName, &ts.Pending, &ts.Processing, &ts.Completed, &ts.Failed, &ts.LatestUpdate)
		if err != nil {
			return nil, err
		}
		out = append(out, &ts)
	}
	return out, rows.Err()
}
