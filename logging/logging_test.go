package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposter/models"
)

func TestRotatingWriter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reposter.log")
	w, err := NewRotatingWriter(path, 16)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "01234567890123456789", string(backup))

	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(current))
}

type memRunLogs struct {
	entries []models.RunLog
}

func (m *memRunLogs) AppendRunLog(_ context.Context, e models.RunLog) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestRunLogHook(t *testing.T) {
	store := &memRunLogs{}
	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewRunLogHook(store))

	logger.Info("no run id")
	logger.WithFields(log.Fields{FieldRunID: "r1", FieldAccount: "dobermanzone"}).Warn("fetch failed")
	logger.WithField(FieldRunID, "r1").Debug("below hook levels")

	require.Len(t, store.entries, 1)
	got := store.entries[0]
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "dobermanzone", got.Account)
	assert.Equal(t, models.LogLevelWarn, got.Level)
	assert.Equal(t, "fetch failed", got.Message)
}
