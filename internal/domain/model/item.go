package model

import "time"

// Item — зеркало элемента доски.
// Хранится в таблице board_items; колонки и файлы — JSONB-массивы
// в порядке удалённой системы.
type Item struct {
	ID           int64
	BoardID      int64
	Name         string
	ColumnValues []ColumnValue
	Assets       []Asset
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ColumnValue — значение колонки элемента.
type ColumnValue struct {
	ID string `json:"id"`
	// Text — отображаемый текст (после подстановки числового значения)
	Text string `json:"text"`
	// Value — сырое JSON-значение удалённой системы или nil
	Value *string `json:"value"`
	Type  string  `json:"type"`
}

// Column возвращает значение колонки по идентификатору.
func (it *Item) Column(id string) (ColumnValue, bool) {
	for _, cv := range it.ColumnValues {
		if cv.ID == id {
			return cv, true
		}
	}
	return ColumnValue{}, false
}

// Asset возвращает файл по идентификатору или nil.
func (it *Item) Asset(id string) *Asset {
	for i := range it.Assets {
		if it.Assets[i].ID == id {
			return &it.Assets[i]
		}
	}
	return nil
}

// Asset — файл, прикреплённый к элементу.
// Поля удалённой системы перезаписываются при каждой синхронизации,
// локальные поля переносятся функцией MergeAsset.
type Asset struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url,omitempty"`
	PublicURL     string `json:"public_url,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`

	// LocalPath — путь к оригиналу относительно каталога файлов
	LocalPath string `json:"local_path,omitempty"`
	// OptimizedPath — путь к WebP-копии относительно каталога файлов
	OptimizedPath string `json:"optimized_path,omitempty"`
	// OriginalPurged — оригинал удалён намеренно (keep_original=false)
	OriginalPurged bool `json:"original_purged,omitempty"`
	// Rotation — поворот для отображения, градусы (0, 90, 180, 270)
	Rotation int `json:"rotation,omitempty"`
	// Stats — размеры локальных копий
	Stats AssetStats `json:"stats"`
}

// SourceURL возвращает адрес для скачивания: публичный, если он есть.
func (a *Asset) SourceURL() string {
	if a.PublicURL != "" {
		return a.PublicURL
	}
	return a.URL
}

// AssetStats — размеры локальных копий файла.
type AssetStats struct {
	OriginalBytes  int64 `json:"original_bytes"`
	OptimizedBytes int64 `json:"optimized_bytes"`
}

// AssetUpdate — изменения локальных полей, внесённые конвейером файлов.
// nil-указатель означает «поле не менялось».
type AssetUpdate struct {
	LocalPath      *string
	OptimizedPath  *string
	OriginalPurged bool
	Stats          *AssetStats
}

// MergeAsset собирает итоговую запись файла: поля удалённой системы из remote,
// локальные поля из prev, поверх — изменения конвейера.
// Удаление оригинала очищает путь к нему, новый путь снимает отметку удаления.
func MergeAsset(prev *Asset, remote Asset, upd *AssetUpdate) Asset {
	merged := Asset{
		ID:            remote.ID,
		Name:          remote.Name,
		URL:           remote.URL,
		PublicURL:     remote.PublicURL,
		FileExtension: remote.FileExtension,
	}

	if prev != nil {
		merged.LocalPath = prev.LocalPath
		merged.OptimizedPath = prev.OptimizedPath
		merged.OriginalPurged = prev.OriginalPurged
		merged.Rotation = prev.Rotation
		merged.Stats = prev.Stats
	}

	if upd != nil {
		if upd.LocalPath != nil {
			merged.LocalPath = *upd.LocalPath
			merged.OriginalPurged = false
		}
		if upd.OptimizedPath != nil {
			merged.OptimizedPath = *upd.OptimizedPath
		}
		if upd.OriginalPurged {
			merged.LocalPath = ""
			merged.OriginalPurged = true
		}
		if upd.Stats != nil {
			merged.Stats = *upd.Stats
		}
	}

	return merged
}

// MergeAssets применяет MergeAsset ко всем файлам элемента.
// Порядок и состав определяются remote; файлы, исчезнувшие
// в удалённой системе, в результат не попадают.
func MergeAssets(prev []Asset, remote []Asset, updates map[string]*AssetUpdate) []Asset {
	byID := make(map[string]*Asset, len(prev))
	for i := range prev {
		byID[prev[i].ID] = &prev[i]
	}

	result := make([]Asset, 0, len(remote))
	for _, r := range remote {
		result = append(result, MergeAsset(byID[r.ID], r, updates[r.ID]))
	}
	return result
}

// NormalizeRotation приводит угол к одному из 0, 90, 180, 270.
// Возвращает false, если угол не кратен 90.
func NormalizeRotation(deg int) (int, bool) {
	if deg%90 != 0 {
		return 0, false
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg, true
}
