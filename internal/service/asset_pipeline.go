// asset_pipeline.go — конвейер локальных копий файлов элементов.
//
// Для каждого файла решает, что нужно сделать (скачать оригинал, построить
// WebP-копию, удалить оригинал), и выполняет это. Наличие копий определяется
// по детерминированным путям на диске, поэтому повторная синхронизация
// не скачивает файлы заново.
//
// Одновременно обрабатывается не больше Concurrency файлов: слот семафора
// занимается на всё время скачивания и перекодирования одного файла.
//
// Prometheus-метрики:
//   - boardsync_assets_total — обработанные файлы по результату
//   - boardsync_asset_bytes_total — записанные байты по виду копии
//   - boardsync_assets_in_flight — файлы в обработке
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
	"github.com/arunponnappan/boardsync/internal/storage/assetstore"
)

var (
	assetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_assets_total",
		Help: "Количество обработанных файлов по результату.",
	}, []string{"outcome"}) // downloaded, optimized, purged, unchanged, failed

	assetBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_asset_bytes_total",
		Help: "Записанные байты локальных копий.",
	}, []string{"kind"}) // original, optimized

	assetsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boardsync_assets_in_flight",
		Help: "Файлы, обрабатываемые в данный момент.",
	})
)

// Optimizer перекодирует изображение в оптимизированную копию.
type Optimizer interface {
	// Supports — расширение (с точкой) можно оптимизировать.
	Supports(ext string) bool
	Optimize(src io.Reader, dst io.Writer) error
}

// AssetPolicy — флаги обработки файлов одной синхронизации.
type AssetPolicy struct {
	Optimize     bool
	ForceRefresh bool
	KeepOriginal bool
}

// AssetRef — файл конкретного элемента доски.
// Asset содержит поля удалённой системы; локальные поля учитываются
// только для подсказок (размер удалённого оригинала).
type AssetRef struct {
	BoardID int64
	ItemID  int64
	Asset   model.Asset
}

// AssetResult — итог обработки файла.
type AssetResult struct {
	AssetID string
	Update  model.AssetUpdate
	// Downloaded — оригинал скачан в этом прогоне
	Downloaded bool
	// Optimized — оптимизированная копия построена в этом прогоне
	Optimized bool
	// Purged — оригинал удалён в этом прогоне
	Purged bool
	// OriginalBytes, OptimizedBytes — размеры копий на диске после обработки
	OriginalBytes  int64
	OptimizedBytes int64
	// SavedBytes — экономия от оптимизации, построенной в этом прогоне
	SavedBytes int64
}

// AssetOutcome — результат обработки одного файла в пакете.
// Result == nil и Err == nil означает «о файле ничего не известно».
type AssetOutcome struct {
	Ref    AssetRef
	Result *AssetResult
	Err    error
}

// AssetPipelineConfig — параметры конвейера.
type AssetPipelineConfig struct {
	// Concurrency — предел одновременно обрабатываемых файлов
	Concurrency int
	// DownloadTimeout — таймаут скачивания одного файла
	DownloadTimeout time.Duration
	// APIKey передаётся только хостам из AuthDomains
	APIKey      string
	AuthDomains []string
}

// AssetPipeline — конвейер локальных копий файлов.
type AssetPipeline struct {
	store      *assetstore.Store
	optimizer  Optimizer
	httpClient *http.Client
	cfg        AssetPipelineConfig
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewAssetPipeline создаёт конвейер файлов.
func NewAssetPipeline(
	store *assetstore.Store,
	optimizer Optimizer,
	httpClient *http.Client,
	cfg AssetPipelineConfig,
	logger *slog.Logger,
) *AssetPipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AssetPipeline{
		store:      store,
		optimizer:  optimizer,
		httpClient: httpClient,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:     logger.With(slog.String("component", "asset_pipeline")),
	}
}

// ProcessAll обрабатывает файлы параллельно и ждёт завершения всех.
// Ошибка одного файла попадает в его AssetOutcome и не прерывает остальные.
// Порядок результатов совпадает с порядком refs.
func (p *AssetPipeline) ProcessAll(ctx context.Context, refs []AssetRef, policy AssetPolicy) []AssetOutcome {
	outcomes := make([]AssetOutcome, len(refs))

	var g errgroup.Group
	for i, ref := range refs {
		outcomes[i].Ref = ref
		g.Go(func() error {
			res, err := p.Process(ctx, ref, policy)
			outcomes[i].Result = res
			outcomes[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Process обрабатывает один файл:
//  1. forceRefresh — оригинал скачивается заново, копия строится заново
//  2. optimize и нет WebP-копии — нужна копия (и оригинал для неё)
//  3. без optimize — нужен только оригинал, если его нет
//  4. keepOriginal=false и копия есть — оригинал удаляется
//
// Если делать нечего, возвращаются известные локальные пути.
// Возвращает nil, если файл не менялся и локально о нём ничего не известно.
func (p *AssetPipeline) Process(ctx context.Context, ref AssetRef, policy AssetPolicy) (*AssetResult, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, syncerr.Wrap(syncerr.KindAsset, "process_asset", err)
	}
	defer p.sem.Release(1)

	assetsInFlight.Inc()
	defer assetsInFlight.Dec()

	res, err := p.process(ctx, ref, policy)
	if err != nil {
		assetsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("Ошибка обработки файла",
			slog.Int64("board_id", ref.BoardID),
			slog.Int64("item_id", ref.ItemID),
			slog.String("asset_id", ref.Asset.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	switch {
	case res == nil:
	case res.Downloaded || res.Optimized || res.Purged:
		if res.Downloaded {
			assetsTotal.WithLabelValues("downloaded").Inc()
		}
		if res.Optimized {
			assetsTotal.WithLabelValues("optimized").Inc()
		}
		if res.Purged {
			assetsTotal.WithLabelValues("purged").Inc()
		}
	default:
		assetsTotal.WithLabelValues("unchanged").Inc()
	}
	return res, nil
}

func (p *AssetPipeline) process(ctx context.Context, ref AssetRef, policy AssetPolicy) (*AssetResult, error) {
	a := ref.Asset
	paths := assetstore.PathsFor(ref.BoardID, ref.ItemID, a.ID, a.Name)

	origSize, origExists, err := p.store.Stat(paths.Original)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindAsset, "stat_asset", err)
	}
	optSize, optExists, err := p.store.Stat(paths.Optimized)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindAsset, "stat_asset", err)
	}

	optimizable := policy.Optimize && p.optimizer != nil && p.optimizer.Supports(assetExt(a))
	needOptimized := optimizable && (policy.ForceRefresh || !optExists)

	var needOriginal bool
	switch {
	case policy.ForceRefresh:
		needOriginal = true
	case needOptimized:
		needOriginal = !origExists
	case optimizable:
		// копия есть, оригинал нужен только если его сохраняют
		needOriginal = false
	default:
		// без копии или при keepOriginal=true нужен оригинал
		needOriginal = !origExists && (policy.KeepOriginal || !optExists)
	}

	res := &AssetResult{AssetID: a.ID}

	if needOriginal {
		src := a.SourceURL()
		if src == "" {
			if !origExists && !optExists {
				return nil, nil
			}
			return nil, syncerr.New(syncerr.KindAsset, "download_asset", "у файла нет адреса для скачивания")
		}
		n, err := p.download(ctx, src, paths.Original)
		if err != nil {
			return nil, err
		}
		origSize, origExists = n, true
		res.Downloaded = true
		assetBytesTotal.WithLabelValues("original").Add(float64(n))
	}

	if needOptimized {
		n, err := p.optimize(paths)
		if err != nil {
			return nil, err
		}
		optSize, optExists = n, true
		res.Optimized = true
		res.SavedBytes = origSize - optSize
		assetBytesTotal.WithLabelValues("optimized").Add(float64(n))
	}

	if !policy.KeepOriginal && optExists && origExists {
		if err := p.store.Remove(paths.Original); err != nil {
			return nil, syncerr.Wrap(syncerr.KindAsset, "purge_original", err)
		}
		origSize, origExists = 0, false
		res.Purged = true
	}

	if !origExists && !optExists {
		return nil, nil
	}

	if origExists {
		res.Update.LocalPath = &paths.Original
	} else if optExists {
		res.Update.OriginalPurged = true
	}
	if optExists {
		res.Update.OptimizedPath = &paths.Optimized
	}
	res.OriginalBytes = origSize
	res.OptimizedBytes = optSize
	res.Update.Stats = &model.AssetStats{OriginalBytes: origSize, OptimizedBytes: optSize}

	return res, nil
}

// download скачивает файл по адресу src в относительный путь rel.
func (p *AssetPipeline) download(ctx context.Context, src, rel string) (int64, error) {
	if p.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DownloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindAsset, "download_asset", err)
	}
	if p.cfg.APIKey != "" && p.sendsAuth(req.URL) {
		req.Header.Set("Authorization", p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindAsset, "download_asset", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, syncerr.New(syncerr.KindAsset, "download_asset",
			fmt.Sprintf("сервер вернул статус %d", resp.StatusCode))
	}

	n, err := p.store.Write(rel, resp.Body)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindAsset, "download_asset", err)
	}
	return n, nil
}

// optimize строит WebP-копию из оригинала.
func (p *AssetPipeline) optimize(paths assetstore.Paths) (int64, error) {
	f, err := os.Open(p.store.FullPath(paths.Original))
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindAsset, "optimize_asset", err)
	}
	defer f.Close()

	n, err := p.store.WriteWith(paths.Optimized, func(w io.Writer) error {
		return p.optimizer.Optimize(f, w)
	})
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindAsset, "optimize_asset", err)
	}
	return n, nil
}

// sendsAuth — API-ключ передаётся только доменам удалённой системы.
func (p *AssetPipeline) sendsAuth(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, d := range p.cfg.AuthDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// assetExt возвращает расширение файла с точкой.
func assetExt(a model.Asset) string {
	ext := a.FileExtension
	if ext == "" {
		ext = path.Ext(a.Name)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
