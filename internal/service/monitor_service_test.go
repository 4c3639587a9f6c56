package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitor := NewMonitorService(f.store, f.store, f.store)
	f.store.PutStudent(model.Student{ID: 7, Name: "Dewi", Department: "IPA"})

	def := f.codingTest(2)
	running := f.start(t, def, 7)
	done := f.start(t, def, 8)
	_, err := f.sessions.Finalize(ctx, done.ID, model.FinalizeTimeout)
	require.NoError(t, err)

	snap, err := monitor.Snapshot(ctx, def.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.TotalSections)
	assert.Equal(t, model.MonitorStats{TotalJoined: 2, TotalInProgress: 1, TotalAutoSubmit: 1}, snap.Stats)
	require.Len(t, snap.Students, 2)

	rows := map[uuid.UUID]model.MonitorStudent{}
	for _, r := range snap.Students {
		rows[r.SessionID] = r
	}
	assert.Equal(t, "Dewi", rows[running.ID].Name)
	assert.Empty(t, rows[done.ID].Name, "unknown students keep an empty name")
	assert.Equal(t, 2, rows[done.ID].CompletedSections)

	_, err = monitor.Snapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
