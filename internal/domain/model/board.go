package model

import "time"

// Board — зеркало доски удалённой системы.
// Хранится в таблице boards.
type Board struct {
	// ID — идентификатор доски в удалённой системе
	ID int64
	// Name — название доски
	Name string
	// State — состояние доски (active, archived, deleted)
	State string
	// Columns — схема колонок в порядке удалённой системы
	Columns []BoardColumn
	// LastSyncedAt — время последней успешной синхронизации
	LastSyncedAt *time.Time
	// Stats — итоги последней успешной синхронизации
	Stats BoardStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BoardColumn — описание колонки доски.
type BoardColumn struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// BoardStats — статистика последней синхронизации доски.
type BoardStats struct {
	// ItemCount — количество элементов в зеркале после очистки
	ItemCount int
	// SizeBytes — суммарный объём локальных файлов
	SizeBytes int64
	// OriginalSizeBytes — объём оригиналов
	OriginalSizeBytes int64
	// OptimizedSizeBytes — объём оптимизированных копий
	OptimizedSizeBytes int64
}
