// Пакет assetstore — локальное хранилище копий файлов досок.
//
// Раскладка детерминирована и зависит только от доски, элемента,
// идентификатора файла и его очищенного имени:
//
//	{root}/{board}/{item}/{asset}_{name}            — оригинал
//	{root}/{board}/{item}/opt_{asset}_{stem}.webp   — оптимизированная копия
//
// Пути, которые возвращает пакет, относительные и всегда со слешем "/".
package assetstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// OptimizedPrefix — префикс имени оптимизированной копии.
const OptimizedPrefix = "opt_"

// OptimizedExt — расширение оптимизированной копии.
const OptimizedExt = ".webp"

// Пределы в байтах: имя временного файла "opt_{asset}_{name}.webp.*.tmp"
// должно укладываться в NAME_MAX (255 байт) при любой кодировке имени.
const (
	maxNameBytes = 150
	maxIDBytes   = 40
)

// Store — управление локальными копиями файлов.
type Store struct {
	root string
}

// Paths — относительные пути копий одного файла.
type Paths struct {
	Original  string
	Optimized string
}

// New создаёт Store и каталог root, если его нет.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог файлов %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root возвращает корневой каталог.
func (s *Store) Root() string {
	return s.root
}

// PathsFor вычисляет пути копий файла.
func PathsFor(boardID, itemID int64, assetID, name string) Paths {
	dir := itemDir(boardID, itemID)
	base := sanitizeID(assetID) + "_" + SanitizeName(name)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return Paths{
		Original:  path.Join(dir, base),
		Optimized: path.Join(dir, OptimizedPrefix+stem+OptimizedExt),
	}
}

func itemDir(boardID, itemID int64) string {
	return path.Join(strconv.FormatInt(boardID, 10), strconv.FormatInt(itemID, 10))
}

// FullPath возвращает путь на диске для относительного пути.
func (s *Store) FullPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Stat возвращает размер файла и признак его наличия.
func (s *Store) Stat(rel string) (int64, bool, error) {
	info, err := os.Stat(s.FullPath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ошибка получения информации о файле %s: %w", rel, err)
	}
	return info.Size(), true, nil
}

// Write записывает данные из reader по относительному пути.
func (s *Store) Write(rel string, r io.Reader) (int64, error) {
	return s.WriteWith(rel, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// WriteWith записывает файл функцией fn атомарно:
// временный файл → запись → fsync → rename. При ошибке временный файл удаляется.
func (s *Store) WriteWith(rel string, fn func(w io.Writer) error) (int64, error) {
	fullPath := s.FullPath(rel)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("ошибка создания каталога %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	cw := &countingWriter{w: f}
	if err := fn(cw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return cw.n, nil
}

// Remove удаляет файл. Отсутствие файла ошибкой не считается.
func (s *Store) Remove(rel string) error {
	err := os.Remove(s.FullPath(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", rel, err)
	}
	return nil
}

// RemoveItemDir удаляет каталог элемента вместе со всеми копиями.
func (s *Store) RemoveItemDir(boardID, itemID int64) error {
	dir := s.FullPath(itemDir(boardID, itemID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ошибка удаления каталога %s: %w", dir, err)
	}
	return nil
}

// RemoveBoardDir удаляет каталог доски и возвращает освобождённый объём.
func (s *Store) RemoveBoardDir(boardID int64) (int64, error) {
	dir := s.FullPath(strconv.FormatInt(boardID, 10))
	freed, err := dirSize(dir)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("ошибка удаления каталога %s: %w", dir, err)
	}
	return freed, nil
}

// RemoveBoardFiles удаляет файлы доски, имена которых удовлетворяют match.
// Возвращает количество удалённых файлов и освобождённый объём.
func (s *Store) RemoveBoardFiles(boardID int64, match func(name string) bool) (int, int64, error) {
	dir := s.FullPath(strconv.FormatInt(boardID, 10))
	var (
		removed int
		freed   int64
	)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !match(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		freed += info.Size()
		return nil
	})
	if err != nil {
		return removed, freed, fmt.Errorf("ошибка очистки файлов доски %d: %w", boardID, err)
	}
	return removed, freed, nil
}

// BoardSize возвращает суммарный объём файлов доски.
func (s *Store) BoardSize(boardID int64) (int64, error) {
	return dirSize(s.FullPath(strconv.FormatInt(boardID, 10)))
}

// BoardUsage возвращает объём оригиналов и оптимизированных копий доски.
func (s *Store) BoardUsage(boardID int64) (original, optimized int64, err error) {
	dir := s.FullPath(strconv.FormatInt(boardID, 10))
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if IsOptimized(d.Name()) {
			optimized += info.Size()
		} else {
			original += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта объёма доски %d: %w", boardID, err)
	}
	return original, optimized, nil
}

// IsOptimized — имя принадлежит оптимизированной копии.
func IsOptimized(name string) bool {
	return strings.HasPrefix(name, OptimizedPrefix) && strings.HasSuffix(name, OptimizedExt)
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта объёма %s: %w", dir, err)
	}
	return total, nil
}

// SanitizeName оставляет в имени буквы, цифры, '-', '_' и '.',
// пробелы заменяет на '_'. Пустой результат заменяется на "file".
// Длина ограничена maxNameBytes байтами, обрезка идёт по границе руны.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
		case r == ' ':
			r = '_'
		default:
			continue
		}
		if b.Len()+utf8.RuneLen(r) > maxNameBytes {
			break
		}
		b.WriteRune(r)
	}

	result := strings.Trim(b.String(), ".")
	if result == "" {
		return "file"
	}
	return result
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			continue
		}
		if b.Len()+utf8.RuneLen(r) > maxIDBytes {
			break
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "asset"
	}
	return b.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
