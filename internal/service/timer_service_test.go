package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRemaining(t *testing.T) {
	tests := map[int64]string{
		0:    "00:00",
		59:   "00:59",
		475:  "07:55",
		3599: "59:59",
		3600: "01:00:00",
		3661: "01:01:01",
		-4:   "00:00",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatRemaining(in), "seconds=%d", in)
	}
}

func TestGetRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(1)
	sess := f.start(t, def, 7)

	f.advance(125*time.Second + 400*time.Millisecond)
	rt, err := f.timer.GetRemaining(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(474), rt.SecondsRemaining)
	assert.Equal(t, "07:54", rt.Formatted)
	assert.False(t, rt.IsCompleted)

	f.advance(time.Hour)
	rt, err = f.timer.GetRemaining(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, rt.SecondsRemaining)
	assert.Equal(t, model.SessionStatusInProgress, f.reload(t, sess.ID).Status, "reading never mutates")

	_, err = f.sessions.Finalize(ctx, sess.ID, model.FinalizeManual)
	require.NoError(t, err)
	rt, err = f.timer.GetRemaining(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, rt.IsCompleted)

	_, err = f.timer.GetRemaining(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckAndEnforce_ExpiredSectionAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(2)
	sess := f.start(t, def, 7)

	f.judge(t, sess.ID, def, 0, 6)

	f.advance(601 * time.Second)
	res, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.True(t, res.Advanced)
	assert.False(t, res.Finalized)
	assert.Equal(t, 0, res.SectionIndex)

	entry := f.section(t, sess.ID, 0)
	assert.Equal(t, model.SectionStatusCompleted, entry.Status)
	assert.True(t, entry.AutoSubmitted)
	assert.Equal(t, 6.0, entry.Score, "graded from what the ledger held at the deadline")
	assert.Equal(t, int64(600), entry.TimeSpentSeconds)

	reloaded := f.reload(t, sess.ID)
	assert.Equal(t, 1, reloaded.CurrentSectionIndex)
	assert.Equal(t, []int{0}, reloaded.CompletedSections)
	assert.True(t, reloaded.SectionEndTime.Equal(t0.Add(601*time.Second+600*time.Second)))
}

func TestCheckAndEnforce_NotDueIsNoop(t *testing.T) {
	f := newFixture(t)
	def := f.codingTest(1)
	sess := f.start(t, def, 7)

	f.advance(599 * time.Second)
	res, err := f.timer.CheckAndEnforce(context.Background(), sess.ID)

	require.NoError(t, err)
	assert.False(t, res.Enforced)
	assert.Zero(t, f.store.LockAttempts(sess.ID))
}

func TestCheckAndEnforce_TwiceDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(1)
	sess := f.start(t, def, 7)
	f.judge(t, sess.ID, def, 0, 4)

	f.advance(601 * time.Second)
	first, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, first.Finalized)

	second, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, second.Enforced)

	final := f.reload(t, sess.ID)
	assert.Equal(t, model.SessionStatusAutoSubmitted, final.Status)
	assert.Equal(t, 4.0, final.TotalScore)
	assert.Equal(t, 10.0, final.MaxScore)
	assert.Equal(t, 1, f.events.Count(event.SectionSubmitted))
	assert.Equal(t, 1, f.events.Count(event.SessionFinalized))
}

func TestCheckAndEnforce_NilEndTimeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(1)
	sess := &model.Session{
		ID:        uuid.New(),
		TestID:    def.ID,
		StudentID: 9,
		Status:    model.SessionStatusInProgress,
	}
	require.NoError(t, f.store.CreateSession(ctx, sess, nil))

	f.advance(24 * time.Hour)
	res, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, res.Enforced)

	_, err = f.timer.GetRemaining(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckAndEnforce_RacesManualSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(2)

	for i := range 25 {
		sess := f.start(t, def, 100+i)
		f.judge(t, sess.ID, def, 0, 5)
	}
	// Deadline passed, but a manual submit is still inside the grace period.
	f.advance(603 * time.Second)

	sessions, err := f.store.ListSessionsByTest(ctx, def.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.sessions.SubmitSection(ctx, sess.ID, intPtr(0), nil)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.timer.CheckAndEnforce(ctx, sess.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, sess := range sessions {
		reloaded := f.reload(t, sess.ID)
		assert.Equal(t, 1, reloaded.CurrentSectionIndex)
		assert.Equal(t, []int{0}, reloaded.CompletedSections)
		assert.Equal(t, 5.0, f.section(t, sess.ID, 0).Score)
	}
	assert.Equal(t, len(sessions), f.events.Count(event.SectionSubmitted), "each section submitted exactly once")
}

func TestCheckAndEnforce_ClosedTestFinalizesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(3)
	def.ClosesAt = model.TimePtr(t0.Add(700 * time.Second))
	sess := f.start(t, def, 7)

	f.advance(601 * time.Second)
	_, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, f.reload(t, sess.ID).SectionEndTime.Equal(*def.ClosesAt), "window capped at close")

	f.advance(100 * time.Second)
	res, err := f.timer.CheckAndEnforce(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.True(t, res.Finalized)

	final := f.reload(t, sess.ID)
	assert.Equal(t, model.SessionStatusAutoSubmitted, final.Status)
	assert.ElementsMatch(t, []int{0, 1, 2}, final.CompletedSections)
	assert.Equal(t, 30.0, final.MaxScore)
}
