package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/delegate-collector/pkg/record"
)

func records() []*record.MetricRecord {
	return []*record.MetricRecord{
		{Name: "checkout", Host: "web-1", GroupName: "default", Timestamp: 60000, DataCollectionMinute: 1, Values: map[string]float64{"error": 1}},
		{Name: record.HeartbeatName, Host: record.HeartbeatHost, GroupName: "default", Timestamp: 60000, Level: record.LevelHeartbeat, Values: map[string]float64{}},
	}
}

func TestSQLiteSave(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "records.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Save(context.Background(), "acc", "app", "se-1", "task", records())
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Count(context.Background(), "se-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var values, level string
	require.NoError(t, s.db.QueryRow(`SELECT metric_values, level FROM metric_records WHERE name = 'checkout'`).Scan(&values, &level))
	assert.JSONEq(t, `{"error":1}`, values)
	assert.Empty(t, level)
}

func TestSQLiteSaveCancelled(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := s.Save(ctx, "acc", "app", "se-1", "task", records())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLogSinkSummarizes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ok, err := NewLog(zap.New(core)).Save(context.Background(), "acc", "app", "se", "task", records())
	require.NoError(t, err)
	assert.True(t, ok)

	entries := logs.FilterMessage("records received").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 2, fields["records"])
	assert.EqualValues(t, 1, fields["heartbeats"])
}

func TestMemorySaveFunc(t *testing.T) {
	m := NewMemory()
	m.SaveFunc = func(attempt int, _ []*record.MetricRecord) (bool, error) {
		switch attempt {
		case 1:
			return false, nil
		case 2:
			return false, fmt.Errorf("unavailable")
		}
		return true, nil
	}

	ok, err := m.Save(context.Background(), "a", "b", "c", "d", records())
	assert.False(t, ok)
	assert.NoError(t, err)
	_, err = m.Save(context.Background(), "a", "b", "c", "d", records())
	assert.Error(t, err)
	ok, err = m.Save(context.Background(), "a", "b", "c", "d", records())
	assert.True(t, ok)
	assert.NoError(t, err)

	assert.Equal(t, 3, m.Attempts())
	require.Len(t, m.Batches(), 1)
	assert.Len(t, m.Records(), 2)
}
