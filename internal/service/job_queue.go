// job_queue.go — очередь задач синхронизации.
//
// Одновременно выполняется не больше одной задачи во всей системе.
// Допуск к выполнению двухуровневый: в процессе — флаг draining под мьютексом,
// в базе — атомарный захват ClaimNext с частичным уникальным индексом
// по status = 'running'. Очередь разбирается циклом: одного Tick достаточно,
// чтобы выполнить все pending-задачи в порядке постановки.
//
// Prometheus-метрики:
//   - boardsync_queue_jobs_total — задачи по событиям (enqueued, complete, failed, reset)
//   - boardsync_queue_running — выполняемая задача (0 или 1)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/repository"
)

// Сообщения хода выполнения задачи.
const (
	msgQueued      = "В очереди..."
	msgStarting    = "Запуск синхронизации..."
	msgReset       = "Сброшено оператором"
	msgInterrupted = "Прервано перезапуском сервиса"
	// префикс строки журнала при ошибке задачи
	criticalPrefix = "КРИТИЧЕСКАЯ ОШИБКА: "
)

// Границы размера списка задач.
const (
	defaultJobListLimit = 50
	maxJobListLimit     = 200
)

var (
	queueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_queue_jobs_total",
		Help: "Количество задач синхронизации по событиям.",
	}, []string{"event"})

	queueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boardsync_queue_running",
		Help: "Выполняется ли задача синхронизации (0 или 1).",
	})
)

// BoardSyncer — исполнитель синхронизации доски.
type BoardSyncer interface {
	SyncBoard(ctx context.Context, boardID int64, params model.SyncParams, emit ProgressFunc) (*model.SyncReport, error)
}

// JobQueue — очередь задач синхронизации с единственным исполнителем.
type JobQueue struct {
	jobs      repository.SyncJobRepository
	syncer    BoardSyncer
	listLimit int
	logger    *slog.Logger

	mu       sync.Mutex
	draining bool
	rerun    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobQueue создаёт очередь задач.
// listLimit — размер списка задач по умолчанию.
func NewJobQueue(jobs repository.SyncJobRepository, syncer BoardSyncer, listLimit int, logger *slog.Logger) *JobQueue {
	if listLimit < 1 || listLimit > maxJobListLimit {
		listLimit = defaultJobListLimit
	}
	return &JobQueue{
		jobs:      jobs,
		syncer:    syncer,
		listLimit: listLimit,
		logger:    logger.With(slog.String("component", "job_queue")),
		baseCtx:   context.Background(),
	}
}

// Start переводит задачи, оставшиеся running после аварийной остановки,
// в failed и запускает разбор очереди в фоне.
func (q *JobQueue) Start(ctx context.Context) error {
	q.baseCtx, q.cancel = context.WithCancel(ctx)

	if _, err := q.RecoverInterrupted(ctx); err != nil {
		return err
	}
	q.Trigger()
	return nil
}

// Stop отменяет выполняемую синхронизацию и ждёт фоновые разборы очереди.
func (q *JobQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.Wait()
}

// Wait ждёт завершения фоновых разборов очереди.
func (q *JobQueue) Wait() {
	q.wg.Wait()
}

// Enqueue ставит задачу синхронизации доски в очередь.
func (q *JobQueue) Enqueue(ctx context.Context, boardID int64, userID string, params model.SyncParams) (*model.SyncJob, error) {
	job := &model.SyncJob{
		ID:              uuid.NewString(),
		BoardID:         boardID,
		CreatedBy:       userID,
		Status:          model.JobPending,
		ProgressMessage: msgQueued,
		Logs:            []string{},
		Stats:           map[string]any{},
		Params:          params,
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("постановка задачи в очередь: %w", err)
	}

	queueJobsTotal.WithLabelValues("enqueued").Inc()
	q.logger.Info("Задача синхронизации поставлена в очередь",
		slog.String("job_id", job.ID),
		slog.Int64("board_id", boardID),
		slog.String("created_by", userID),
	)
	return job, nil
}

// Trigger запускает Tick в фоне. Безопасен для одновременных вызовов.
func (q *JobQueue) Trigger() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Tick(q.baseCtx)
	}()
}

// Tick разбирает очередь: пока есть pending-задачи и ничего не выполняется,
// выполняет самую раннюю. Вызов во время разбора не запускает второй
// исполнитель, а заставляет текущий проверить очередь ещё раз.
// Возвращает количество выполненных задач.
func (q *JobQueue) Tick(ctx context.Context) int {
	q.mu.Lock()
	if q.draining {
		q.rerun = true
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	total := 0
	for {
		total += q.drain(ctx)

		q.mu.Lock()
		if !q.rerun || ctx.Err() != nil {
			q.draining = false
			q.rerun = false
			q.mu.Unlock()
			return total
		}
		q.rerun = false
		q.mu.Unlock()
	}
}

func (q *JobQueue) drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		job, err := q.jobs.ClaimNext(ctx, msgStarting)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			return n
		case errors.Is(err, repository.ErrQueueBusy):
			q.logger.Debug("Очередь занята другой задачей")
			return n
		default:
			q.logger.Error("Ошибка захвата задачи", slog.String("error", err.Error()))
			return n
		}

		q.run(ctx, job)
		n++
	}
	return n
}

// run выполняет захваченную задачу и фиксирует её итог.
func (q *JobQueue) run(ctx context.Context, job *model.SyncJob) {
	queueRunning.Set(1)
	defer queueRunning.Set(0)

	logger := q.logger.With(slog.String("job_id", job.ID), slog.Int64("board_id", job.BoardID))
	logger.Info("Задача синхронизации запущена")

	emit := func(ev model.ProgressEvent) {
		var lines []string
		if ev.Notable {
			lines = []string{ev.Message}
		}
		var stats map[string]any
		if ev.Stats != nil {
			stats = ev.Stats.ToMap()
		}
		if err := q.jobs.AppendProgress(context.WithoutCancel(ctx), job.ID, ev.Message, lines, stats); err != nil {
			logger.Warn("Не удалось сохранить ход выполнения", slog.String("error", err.Error()))
		}
	}

	report, err := q.syncer.SyncBoard(ctx, job.BoardID, job.Params, emit)

	status, message := model.JobComplete, ""
	var lines []string
	if err != nil {
		status = model.JobFailed
		message = "Ошибка: " + err.Error()
		lines = []string{criticalPrefix + err.Error()}
	} else {
		message = report.Summary
	}

	finished, ferr := q.jobs.Finish(context.WithoutCancel(ctx), job.ID, status, message, lines)
	switch {
	case ferr != nil:
		logger.Error("Не удалось завершить задачу", slog.String("error", ferr.Error()))
	case !finished:
		logger.Warn("Задача была сброшена во время выполнения, итог не сохранён",
			slog.String("status", string(status)))
	default:
		queueJobsTotal.WithLabelValues(string(status)).Inc()
		logger.Info("Задача синхронизации завершена", slog.String("status", string(status)))
	}
}

// Reset переводит все pending- и running-задачи в failed.
// Выполняемая синхронизация не прерывается, но её итог не перезапишет сброс.
// После сброса другой процесс может взять следующую задачу той же доски,
// пока синхронизация сброшенной задачи ещё выполняется.
func (q *JobQueue) Reset(ctx context.Context) (int, error) {
	n, err := q.jobs.FailActive(ctx, msgReset)
	if err != nil {
		return 0, err
	}
	queueJobsTotal.WithLabelValues("reset").Add(float64(n))
	q.logger.Warn("Очередь сброшена оператором", slog.Int("reset_count", n))
	return n, nil
}

// RecoverInterrupted переводит задачи, оставшиеся running, в failed.
// Вызывается при старте, когда задачи этого процесса ещё не запущены.
func (q *JobQueue) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := q.jobs.FailRunning(ctx, msgInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Прерванные задачи переведены в failed", slog.Int("count", n))
	}
	return n, nil
}

// Get возвращает задачу по идентификатору.
func (q *JobQueue) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	job, err := q.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListRecent возвращает последние задачи, новые первыми.
// limit вне 1..200 заменяется значением по умолчанию или верхней границей.
func (q *JobQueue) ListRecent(ctx context.Context, limit int) ([]*model.SyncJob, error) {
	switch {
	case limit <= 0:
		limit = q.listLimit
	case limit > maxJobListLimit:
		limit = maxJobListLimit
	}
	return q.jobs.ListRecent(ctx, limit)
}
