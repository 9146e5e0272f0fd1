package model

import "time"

// JobStatus — статус задачи синхронизации.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// IsTerminal — задача больше не изменит статус.
func (s JobStatus) IsTerminal() bool {
	return s == JobComplete || s == JobFailed
}

// SyncJob — задача синхронизации доски.
// Хранится в таблице sync_jobs.
type SyncJob struct {
	// ID — UUID задачи
	ID string
	// Seq — порядковый номер постановки в очередь (FIFO)
	Seq     int64
	BoardID int64
	// CreatedBy — sub пользователя, поставившего задачу
	CreatedBy string
	Status    JobStatus
	// ProgressMessage — последнее сообщение о ходе выполнения
	ProgressMessage string
	// Logs — значимые строки хода выполнения
	Logs []string
	// Stats — статистика последнего события, плюс исходные параметры
	Stats  map[string]any
	Params SyncParams

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SyncParams — параметры синхронизации, фиксируются при постановке в очередь.
type SyncParams struct {
	DownloadAssets bool `json:"download_assets"`
	OptimizeImages bool `json:"optimize_images"`
	ForceRefresh   bool `json:"force_refresh"`
	KeepOriginal   bool `json:"keep_original"`
	// Filters — условия отбора элементов, объединяются через AND
	Filters []FilterClause `json:"filters,omitempty"`
	// FilteredItemIDs — если задан (даже пустой), файлы скачиваются
	// только для перечисленных элементов
	FilteredItemIDs []int64 `json:"filtered_item_ids"`
}

// DefaultSyncParams возвращает параметры по умолчанию.
func DefaultSyncParams() SyncParams {
	return SyncParams{
		DownloadAssets: true,
		OptimizeImages: true,
		KeepOriginal:   true,
	}
}

// AssetsAllowed — разрешена ли обработка файлов элемента.
func (p *SyncParams) AssetsAllowed(itemID int64) bool {
	if !p.DownloadAssets {
		return false
	}
	if p.FilteredItemIDs == nil {
		return true
	}
	for _, id := range p.FilteredItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}
