package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// SyncJobRepository — очередь задач синхронизации.
type SyncJobRepository interface {
	// Create добавляет задачу в статусе pending. ID и Seq заполняются.
	Create(ctx context.Context, job *model.SyncJob) error
	GetByID(ctx context.Context, id string) (*model.SyncJob, error)
	// ListRecent возвращает последние задачи, новые первыми.
	ListRecent(ctx context.Context, limit int) ([]*model.SyncJob, error)
	// ClaimNext атомарно переводит самую раннюю pending-задачу в running.
	// ErrQueueBusy — уже есть running-задача, ErrNotFound — очередь пуста.
	ClaimNext(ctx context.Context, progressMessage string) (*model.SyncJob, error)
	// AppendProgress обновляет сообщение, дописывает строки журнала
	// и сливает статистику running-задачи.
	AppendProgress(ctx context.Context, id, message string, logLines []string, stats map[string]any) error
	// Finish переводит running-задачу в терминальный статус.
	// Возвращает false, если задача уже не running (например, сброшена).
	Finish(ctx context.Context, id string, status model.JobStatus, message string, logLines []string) (bool, error)
	// FailActive переводит pending- и running-задачи в failed.
	FailActive(ctx context.Context, message string) (int, error)
	// FailRunning переводит running-задачи в failed.
	FailRunning(ctx context.Context, message string) (int, error)
}

type syncJobRepo struct {
	db DBTX
}

// NewSyncJobRepository создаёт репозиторий задач синхронизации.
func NewSyncJobRepository(db DBTX) SyncJobRepository {
	return &syncJobRepo{db: db}
}

const jobColumns = `id, seq, board_id, created_by, status, progress_message, logs, stats, params,
	created_at, started_at, completed_at`

func (r *syncJobRepo) Create(ctx context.Context, job *model.SyncJob) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("сериализация параметров задачи: %w", err)
	}
	stats, err := json.Marshal(nonNilMap(job.Stats))
	if err != nil {
		return fmt.Errorf("сериализация статистики задачи: %w", err)
	}
	logs, err := marshalJSONB(job.Logs)
	if err != nil {
		return fmt.Errorf("сериализация журнала задачи: %w", err)
	}

	query := `
		INSERT INTO sync_jobs (id, board_id, created_by, status, progress_message, logs, stats, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`

	err = r.db.QueryRow(ctx, query,
		job.ID, job.BoardID, job.CreatedBy, job.Status, job.ProgressMessage, logs, stats, params,
	).Scan(&job.Seq, &job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: задача %s уже существует", ErrConflict, job.ID)
		}
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *syncJobRepo) GetByID(ctx context.Context, id string) (*model.SyncJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи %s: %w", id, err)
	}
	return job, nil
}

func (r *syncJobRepo) ListRecent(ctx context.Context, limit int) ([]*model.SyncJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка задач: %w", err)
	}
	defer rows.Close()

	var jobs []*model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения задачи: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext — единственная точка допуска задачи к выполнению.
// Частичный уникальный индекс по status = 'running' гарантирует,
// что параллельный захват завершится нарушением уникальности.
func (r *syncJobRepo) ClaimNext(ctx context.Context, progressMessage string) (*model.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'running', started_at = now(), progress_message = $1
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'pending'
				AND NOT EXISTS (SELECT 1 FROM sync_jobs WHERE status = 'running')
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, progressMessage))
	if err == nil {
		return job, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrQueueBusy
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка захвата задачи: %w", err)
	}

	var running bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE status = 'running')`).Scan(&running); err != nil {
		return nil, fmt.Errorf("ошибка проверки выполняемых задач: %w", err)
	}
	if running {
		return nil, ErrQueueBusy
	}
	return nil, ErrNotFound
}

func (r *syncJobRepo) AppendProgress(ctx context.Context, id, message string, logLines []string, stats map[string]any) error {
	logs, err := marshalJSONB(logLines)
	if err != nil {
		return fmt.Errorf("сериализация журнала задачи: %w", err)
	}
	rawStats, err := json.Marshal(nonNilMap(stats))
	if err != nil {
		return fmt.Errorf("сериализация статистики задачи: %w", err)
	}

	query := `
		UPDATE sync_jobs SET
			progress_message = $2,
			logs = logs || $3::jsonb,
			stats = stats || $4::jsonb
		WHERE id = $1 AND status = 'running'`

	if _, err := r.db.Exec(ctx, query, id, message, logs, rawStats); err != nil {
		return fmt.Errorf("ошибка обновления хода задачи %s: %w", id, err)
	}
	return nil
}

func (r *syncJobRepo) Finish(ctx context.Context, id string, status model.JobStatus, message string, logLines []string) (bool, error) {
	logs, err := marshalJSONB(logLines)
	if err != nil {
		return false, fmt.Errorf("сериализация журнала задачи: %w", err)
	}

	query := `
		UPDATE sync_jobs SET
			status = $2,
			progress_message = $3,
			logs = logs || $4::jsonb,
			completed_at = now()
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query, id, status, message, logs)
	if err != nil {
		return false, fmt.Errorf("ошибка завершения задачи %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *syncJobRepo) FailActive(ctx context.Context, message string) (int, error) {
	return r.failWhere(ctx, `status IN ('pending', 'running')`, message)
}

func (r *syncJobRepo) FailRunning(ctx context.Context, message string) (int, error) {
	return r.failWhere(ctx, `status = 'running'`, message)
}

func (r *syncJobRepo) failWhere(ctx context.Context, where, message string) (int, error) {
	query := `
		UPDATE sync_jobs SET
			status = 'failed',
			progress_message = $1,
			logs = logs || jsonb_build_array($1::text),
			completed_at = now()
		WHERE ` + where

	tag, err := r.db.Exec(ctx, query, message)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода задач в failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*model.SyncJob, error) {
	job := &model.SyncJob{}
	var logs, stats, params []byte
	err := row.Scan(&job.ID, &job.Seq, &job.BoardID, &job.CreatedBy, &job.Status, &job.ProgressMessage,
		&logs, &stats, &params, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(logs, &job.Logs); err != nil {
		return nil, fmt.Errorf("разбор журнала задачи %s: %w", job.ID, err)
	}
	if err := unmarshalJSONB(stats, &job.Stats); err != nil {
		return nil, fmt.Errorf("разбор статистики задачи %s: %w", job.ID, err)
	}
	if err := unmarshalJSONB(params, &job.Params); err != nil {
		return nil, fmt.Errorf("разбор параметров задачи %s: %w", job.ID, err)
	}
	return job, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
