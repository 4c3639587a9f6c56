package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedSession(t *testing.T, f *fixture, studentID int) (*model.TestDefinition, *model.Session) {
	t.Helper()
	ctx := context.Background()
	def := f.codingTest(2)
	sess := f.start(t, def, studentID)
	f.judge(t, sess.ID, def, 0, 8)
	_, err := f.sessions.SubmitSection(ctx, sess.ID, nil, nil)
	require.NoError(t, err)
	f.judge(t, sess.ID, def, 1, 7)
	_, err = f.sessions.SubmitSection(ctx, sess.ID, nil, nil)
	require.NoError(t, err)
	return def, f.reload(t, sess.ID)
}

func TestGetResult_PendingUntilReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, sess := finishedSession(t, f, 7)
	require.Equal(t, model.SessionStatusCompleted, sess.Status)

	view, err := f.results.GetResult(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatePending, view.State)
	assert.False(t, view.HasScores(), "completed but unreleased results carry no scores")

	adminView, err := f.results.GetResultForAdmin(ctx, def.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, adminView.TotalScore)
	assert.Equal(t, 15.0, *adminView.TotalScore)
	assert.Equal(t, model.ResultStatePending, adminView.State)
}

func TestReleaseResults_TwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, _ := finishedSession(t, f, 7)

	first, err := f.results.ReleaseResults(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := f.results.ReleaseResults(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.True(t, second.Released)

	sess, err := f.store.FindSession(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.True(t, sess.ResultsReleased)
	assert.Equal(t, 1, f.events.Count(event.ResultsReleased))

	view, err := f.results.GetResult(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, model.ResultStateReleased, view.State)
	require.NotNil(t, view.Percentage)
	assert.Equal(t, 75.0, *view.Percentage)
	assert.Len(t, view.Sections, 2)
}

func TestReleaseResults_UnfinishedSessionStaysScoreless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.codingTest(2)
	f.start(t, def, 7)

	_, err := f.results.ReleaseResults(ctx, def.ID, 7)
	require.NoError(t, err)

	view, err := f.results.GetResult(ctx, def.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatePending, view.State)
	assert.False(t, view.HasScores())
}

func TestReleaseResults_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.results.ReleaseResults(context.Background(), uuid.New(), 7)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.results.ReleaseResults(context.Background(), uuid.Nil, 7)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetResult_LegacyRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testID := uuid.New()
	f.store.PutLegacyResult(model.LegacyResult{TestID: testID, StudentID: 3, Score: 42, MaxScore: 50, SubmittedAt: model.TimePtr(t0)})

	view, err := f.results.GetResult(ctx, testID, 3)
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatePending, view.State)
	assert.False(t, view.HasScores())

	res, err := f.results.ReleaseResults(ctx, testID, 3)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	view, err = f.results.GetResult(ctx, testID, 3)
	require.NoError(t, err)
	assert.Equal(t, model.ResultStateReleased, view.State)
	require.NotNil(t, view.Percentage)
	assert.Equal(t, 84.0, *view.Percentage)

	_, err = f.results.GetResult(ctx, testID, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}
