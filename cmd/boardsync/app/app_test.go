package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arunponnappan/boardsync/internal/config"
	"github.com/arunponnappan/boardsync/internal/domain/model"
)

func TestParseFilters(t *testing.T) {
	clauses, err := parseFilters([]string{"sku=W-1", "красный", " status = done"})
	require.NoError(t, err)
	require.Len(t, clauses, 3)
	assert.Equal(t, model.FilterClause{Column: "sku", Value: "W-1"}, clauses[0])
	assert.Equal(t, model.FilterColumnAll, clauses[1].Column, "без колонки ищем везде")
	assert.Equal(t, "status", clauses[2].Column)

	for _, bad := range []string{"=x", "sku=", "  "} {
		_, err := parseFilters([]string{bad})
		assert.Error(t, err, "условие %q должно отклоняться", bad)
	}
}

func TestSyncParamsFromFlags(t *testing.T) {
	p, err := syncParamsFromFlags(syncCmd)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSyncParams().DownloadAssets, p.DownloadAssets)
	assert.Equal(t, model.DefaultSyncParams().KeepOriginal, p.KeepOriginal)
	assert.Empty(t, p.Filters)

	require.NoError(t, syncCmd.Flags().Set("force", "true"))
	require.NoError(t, syncCmd.Flags().Set("download", "false"))
	require.NoError(t, syncCmd.Flags().Set("filter", "name=Widget"))
	t.Cleanup(func() {
		_ = syncCmd.Flags().Set("force", "false")
		_ = syncCmd.Flags().Set("download", "true")
	})

	p, err = syncParamsFromFlags(syncCmd)
	require.NoError(t, err)
	assert.True(t, p.ForceRefresh)
	assert.False(t, p.DownloadAssets)
	require.Len(t, p.Filters, 1)
	assert.Equal(t, model.FilterColumnName, p.Filters[0].Column)
}

func TestVersionJSON(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	require.NoError(t, versionCmd.Flags().Set("format", "json"))

	require.NoError(t, versionCmd.RunE(versionCmd, nil))

	var info versionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, config.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestSyncRejectsBadBoardID(t *testing.T) {
	err := runSync(syncCmd, []string{"abc"})
	assert.Error(t, err)
	err = runSync(syncCmd, []string{"0"})
	assert.Error(t, err)
}
