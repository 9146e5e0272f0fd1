package model

import "time"

// SyncStage — этап синхронизации доски.
type SyncStage string

const (
	StageStarted          SyncStage = "started"
	StageFetchingMetadata SyncStage = "fetching-board-metadata"
	StagePaging           SyncStage = "paging"
	StagePruning          SyncStage = "pruning"
	StageFinalizing       SyncStage = "finalizing-stats"
	StageComplete         SyncStage = "complete"
	StageError            SyncStage = "error"
)

// validStageTransitions — матрица допустимых переходов между этапами.
// В error можно перейти из любого незавершённого этапа.
var validStageTransitions = map[SyncStage]map[SyncStage]bool{
	StageStarted:          {StageFetchingMetadata: true, StageError: true},
	StageFetchingMetadata: {StagePaging: true, StageError: true},
	StagePaging:           {StagePaging: true, StagePruning: true, StageError: true},
	StagePruning:          {StageFinalizing: true, StageError: true},
	StageFinalizing:       {StageComplete: true, StageError: true},
	StageComplete:         {},
	StageError:            {},
}

// CanTransitionTo проверяет допустимость перехода.
func (s SyncStage) CanTransitionTo(target SyncStage) bool {
	return validStageTransitions[s][target]
}

// IsTerminal — этап завершает синхронизацию.
func (s SyncStage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

// EventLevel — уровень события хода выполнения.
type EventLevel string

const (
	EventInfo    EventLevel = "info"
	EventWarning EventLevel = "warning"
	EventError   EventLevel = "error"
)

// ProgressEvent — событие хода синхронизации.
type ProgressEvent struct {
	Stage   SyncStage
	Level   EventLevel
	Message string
	// Notable — строка попадает в журнал задачи
	Notable bool
	// Stats — накопленная статистика на момент события (может быть nil)
	Stats *SyncStats
}

// SyncStats — статистика одного прогона синхронизации.
type SyncStats struct {
	Pages            int   `json:"pages"`
	ItemsFetched     int   `json:"items_fetched"`
	ItemsSynced      int   `json:"items_synced"`
	ItemsAdded       int   `json:"items_added"`
	ItemsUpdated     int   `json:"items_updated"`
	ItemsPruned      int   `json:"items_pruned"`
	AssetsDownloaded int   `json:"assets_downloaded"`
	AssetsOptimized  int   `json:"assets_optimized"`
	AssetsPurged     int   `json:"assets_purged"`
	AssetsFailed     int   `json:"assets_failed"`
	OriginalBytes    int64 `json:"original_size_bytes"`
	OptimizedBytes   int64 `json:"optimized_size_bytes"`
	SavedBytes       int64 `json:"saved_bytes"`
	DBItemCount      int   `json:"db_item_count"`
}

// TotalBytes — суммарный объём локальных копий.
func (s SyncStats) TotalBytes() int64 {
	return s.OriginalBytes + s.OptimizedBytes
}

// ToMap возвращает статистику для слияния со stats задачи.
func (s SyncStats) ToMap() map[string]any {
	return map[string]any{
		"pages":                s.Pages,
		"items_fetched":        s.ItemsFetched,
		"items_synced":         s.ItemsSynced,
		"items_added":          s.ItemsAdded,
		"items_updated":        s.ItemsUpdated,
		"items_pruned":         s.ItemsPruned,
		"assets_downloaded":    s.AssetsDownloaded,
		"assets_optimized":     s.AssetsOptimized,
		"assets_purged":        s.AssetsPurged,
		"assets_failed":        s.AssetsFailed,
		"total_size_bytes":     s.TotalBytes(),
		"original_size_bytes":  s.OriginalBytes,
		"optimized_size_bytes": s.OptimizedBytes,
		"saved_bytes":          s.SavedBytes,
		"db_item_count":        s.DBItemCount,
	}
}

// SyncReport — итог успешной синхронизации доски.
type SyncReport struct {
	BoardID     int64
	BoardName   string
	Stats       SyncStats
	Summary     string
	StartedAt   time.Time
	CompletedAt time.Time
}
