package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
	"github.com/arunponnappan/boardsync/internal/storage/assetstore"
)

// stubOptimizer пишет фиксированную «WebP-копию» из 4 байт.
type stubOptimizer struct{}

func (stubOptimizer) Supports(ext string) bool {
	return strings.EqualFold(ext, ".png")
}

func (stubOptimizer) Optimize(src io.Reader, dst io.Writer) error {
	if _, err := io.Copy(io.Discard, src); err != nil {
		return err
	}
	_, err := dst.Write([]byte("RIFF"))
	return err
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fileServer раздаёт body и считает запросы.
type fileServer struct {
	*httptest.Server
	hits       atomic.Int32
	authHeader atomic.Value
}

func newFileServer(t *testing.T, status int, body []byte) *fileServer {
	t.Helper()
	fs := &fileServer{}
	fs.authHeader.Store("")
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func newTestPipeline(t *testing.T, cfg AssetPipelineConfig) (*AssetPipeline, *assetstore.Store) {
	t.Helper()
	store, err := assetstore.New(t.TempDir())
	require.NoError(t, err)
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	return NewAssetPipeline(store, stubOptimizer{}, nil, cfg, slog.Default()), store
}

func pngRef(url string) AssetRef {
	return AssetRef{
		BoardID: 1,
		ItemID:  2,
		Asset:   model.Asset{ID: "a1", Name: "photo.png", URL: url, FileExtension: ".png"},
	}
}

func TestAssetPipeline_OptimizeAndPurgeOriginal(t *testing.T) {
	body := testPNG(t)
	srv := newFileServer(t, http.StatusOK, body)
	p, store := newTestPipeline(t, AssetPipelineConfig{})
	policy := AssetPolicy{Optimize: true, KeepOriginal: false}
	paths := assetstore.PathsFor(1, 2, "a1", "photo.png")

	res, err := p.Process(context.Background(), pngRef(srv.URL+"/photo.png"), policy)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Downloaded)
	assert.True(t, res.Optimized)
	assert.True(t, res.Purged)
	assert.Equal(t, int64(len(body)-4), res.SavedBytes)
	assert.True(t, res.Update.OriginalPurged)
	assert.Nil(t, res.Update.LocalPath)
	require.NotNil(t, res.Update.OptimizedPath)
	assert.Equal(t, paths.Optimized, *res.Update.OptimizedPath)

	_, origExists, err := store.Stat(paths.Original)
	require.NoError(t, err)
	assert.False(t, origExists, "оригинал удалён")
	size, optExists, err := store.Stat(paths.Optimized)
	require.NoError(t, err)
	assert.True(t, optExists)
	assert.Equal(t, int64(4), size)

	// повторный прогон ничего не скачивает
	res, err = p.Process(context.Background(), pngRef(srv.URL+"/photo.png"), policy)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Downloaded)
	assert.False(t, res.Optimized)
	assert.True(t, res.Update.OriginalPurged)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestAssetPipeline_KeepOriginalWithoutOptimize(t *testing.T) {
	srv := newFileServer(t, http.StatusOK, []byte("raw-bytes"))
	p, _ := newTestPipeline(t, AssetPipelineConfig{})
	policy := AssetPolicy{KeepOriginal: true}

	res, err := p.Process(context.Background(), pngRef(srv.URL), policy)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Downloaded)
	assert.False(t, res.Optimized)
	require.NotNil(t, res.Update.LocalPath)
	assert.Nil(t, res.Update.OptimizedPath)
	assert.Equal(t, int64(9), res.OriginalBytes)

	res, err = p.Process(context.Background(), pngRef(srv.URL), policy)
	require.NoError(t, err)
	assert.False(t, res.Downloaded)
	assert.Equal(t, int32(1), srv.hits.Load())

	res, err = p.Process(context.Background(), pngRef(srv.URL), AssetPolicy{KeepOriginal: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.True(t, res.Downloaded, "force_refresh скачивает заново")
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestAssetPipeline_AuthHeaderOnlyForAuthDomains(t *testing.T) {
	srv := newFileServer(t, http.StatusOK, []byte("x"))

	p, _ := newTestPipeline(t, AssetPipelineConfig{APIKey: "secret", AuthDomains: []string{"127.0.0.1"}})
	_, err := p.Process(context.Background(), pngRef(srv.URL), AssetPolicy{KeepOriginal: true})
	require.NoError(t, err)
	assert.Equal(t, "secret", srv.authHeader.Load())

	p, _ = newTestPipeline(t, AssetPipelineConfig{APIKey: "secret", AuthDomains: []string{"files.example.com"}})
	_, err = p.Process(context.Background(), pngRef(srv.URL), AssetPolicy{KeepOriginal: true})
	require.NoError(t, err)
	assert.Equal(t, "", srv.authHeader.Load())
}

func TestAssetPipeline_DownloadErrorIsAssetKind(t *testing.T) {
	srv := newFileServer(t, http.StatusForbidden, []byte("denied"))
	p, _ := newTestPipeline(t, AssetPipelineConfig{})

	res, err := p.Process(context.Background(), pngRef(srv.URL), AssetPolicy{KeepOriginal: true})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, syncerr.ErrAsset))
}

func TestAssetPipeline_NoURLNothingLocal(t *testing.T) {
	p, _ := newTestPipeline(t, AssetPipelineConfig{})

	res, err := p.Process(context.Background(), pngRef(""), AssetPolicy{KeepOriginal: true})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAssetPipeline_ProcessAllBoundedConcurrency(t *testing.T) {
	const limit = 2

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		mu       sync.Mutex
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte("data"))
	}))
	t.Cleanup(srv.Close)

	p, _ := newTestPipeline(t, AssetPipelineConfig{Concurrency: limit})

	refs := make([]AssetRef, 8)
	for i := range refs {
		refs[i] = AssetRef{
			BoardID: 1,
			ItemID:  int64(i + 1),
			Asset:   model.Asset{ID: fmt.Sprintf("a%d", i), Name: "f.bin", URL: srv.URL},
		}
	}

	outcomes := p.ProcessAll(context.Background(), refs, AssetPolicy{KeepOriginal: true})

	require.Len(t, outcomes, len(refs))
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		require.NotNil(t, o.Result)
		assert.Equal(t, refs[i].Asset.ID, o.Result.AssetID, "порядок результатов совпадает с порядком файлов")
	}
	assert.LessOrEqual(t, maxSeen.Load(), int32(limit))
	assert.GreaterOrEqual(t, maxSeen.Load(), int32(1))
}

func TestAssetExt(t *testing.T) {
	assert.Equal(t, ".png", assetExt(model.Asset{FileExtension: "png"}))
	assert.Equal(t, ".jpg", assetExt(model.Asset{FileExtension: ".jpg"}))
	assert.Equal(t, ".jpeg", assetExt(model.Asset{Name: "x.jpeg"}))
	assert.Equal(t, "", assetExt(model.Asset{Name: "noext"}))
}
