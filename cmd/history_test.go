// File: cmd/history_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

type mockHistoryStore struct{ mock.Mock }

func (m *mockHistoryStore) EntriesForTask(ctx context.Context, taskID string) ([]schemas.ActivityEntry, error) {
	args := m.Called(ctx, taskID)
	entries, _ := args.Get(0).([]schemas.ActivityEntry)
	return entries, args.Error(1)
}

type mockStoreProvider struct {
	store    historyStore
	err      error
	cleanups int
}

func (p *mockStoreProvider) Create(context.Context, config.Interface) (historyStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleanups++ }, nil
}

func sampleEntries() []schemas.ActivityEntry {
	at := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	return []schemas.ActivityEntry{
		{ID: "e1", Seq: 1, TaskID: "task-1", Kind: schemas.EntryReasoning, Content: "Open the settings page.", Timestamp: at},
		{ID: "e2", Seq: 2, TaskID: "task-1", Kind: schemas.EntryError, Content: "Skipped drag_and_drop: blocked",
			Timestamp: at.Add(time.Second), Args: map[string]any{"code": "BLOCKED_BY_POLICY"}},
	}
}

func TestRunHistory_PrintsEntries(t *testing.T) {
	st := new(mockHistoryStore)
	st.On("EntriesForTask", mock.Anything, "task-1").Return(sampleEntries(), nil)
	provider := &mockStoreProvider{store: st}
	var out bytes.Buffer

	err := runHistory(context.Background(), zaptest.NewLogger(t), config.NewDefaultConfig(), "task-1", "", &out, provider)
	require.NoError(t, err)

	assert.Equal(t,
		"   1  2025-03-04 09:30:00  reasoning    Open the settings page.\n"+
			"   2  2025-03-04 09:30:01  error        Skipped drag_and_drop: blocked (BLOCKED_BY_POLICY)\n",
		out.String())
	assert.Equal(t, 1, provider.cleanups)
}

func TestRunHistory_WritesFile(t *testing.T) {
	st := new(mockHistoryStore)
	st.On("EntriesForTask", mock.Anything, "task-1").Return(sampleEntries(), nil)
	path := filepath.Join(t.TempDir(), "history.json")
	var out bytes.Buffer

	err := runHistory(context.Background(), zaptest.NewLogger(t), config.NewDefaultConfig(), "task-1", path, &out, &mockStoreProvider{store: st})
	require.NoError(t, err)
	assert.Empty(t, out.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []schemas.ActivityEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "BLOCKED_BY_POLICY", decoded[1].Args["code"])
}

func TestRunHistory_Errors(t *testing.T) {
	t.Run("provider failure", func(t *testing.T) {
		err := runHistory(context.Background(), zaptest.NewLogger(t), config.NewDefaultConfig(), "task-1", "", &bytes.Buffer{},
			&mockStoreProvider{err: errors.New("audit database is not configured")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize store")
	})

	t.Run("query failure", func(t *testing.T) {
		st := new(mockHistoryStore)
		st.On("EntriesForTask", mock.Anything, "task-1").Return(nil, errors.New("connection reset"))
		provider := &mockStoreProvider{store: st}
		err := runHistory(context.Background(), zaptest.NewLogger(t), config.NewDefaultConfig(), "task-1", "", &bytes.Buffer{}, provider)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.Equal(t, 1, provider.cleanups)
	})

	t.Run("unknown task", func(t *testing.T) {
		st := new(mockHistoryStore)
		st.On("EntriesForTask", mock.Anything, "task-404").Return([]schemas.ActivityEntry{}, nil)
		err := runHistory(context.Background(), zaptest.NewLogger(t), config.NewDefaultConfig(), "task-404", "", &bytes.Buffer{}, &mockStoreProvider{store: st})
		assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
	})
}

func TestDefaultStoreProvider_RequiresDSN(t *testing.T) {
	_, _, err := NewStoreProvider().Create(context.Background(), config.NewDefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PILOT_AUDIT_DSN")
}
