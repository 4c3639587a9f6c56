package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// MonitorService builds the admin live-monitor view of a test.
type MonitorService struct {
	store     SessionStore
	catalog   TestCatalog
	directory StudentDirectory
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(store SessionStore, catalog TestCatalog, directory StudentDirectory) *MonitorService {
	return &MonitorService{store: store, catalog: catalog, directory: directory}
}

// Snapshot returns every session of testID with the student's name attached.
// Sessions and the student directory are fetched concurrently; names are
// best-effort.
func (s *MonitorService) Snapshot(ctx context.Context, testID uuid.UUID) (*model.MonitorSnapshot, error) {
	if testID == uuid.Nil {
		return nil, invalidInput("test id is required")
	}
	def, err := s.catalog.GetTest(ctx, testID)
	if err != nil {
		return nil, storageErr(err)
	}

	var (
		sessions    []model.Session
		students    []model.Student
		sessionsErr error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sessions, sessionsErr = s.store.ListSessionsByTest(ctx, testID)
	}()
	go func() {
		defer wg.Done()
		students, _ = s.directory.ListStudents(ctx, "")
	}()
	wg.Wait()

	if sessionsErr != nil {
		return nil, storageErr(sessionsErr)
	}

	byID := make(map[int]model.Student, len(students))
	for _, st := range students {
		byID[st.ID] = st
	}

	snap := &model.MonitorSnapshot{
		TestID:        testID,
		Title:         def.Title,
		TotalSections: len(def.Sections),
		Students:      make([]model.MonitorStudent, 0, len(sessions)),
	}
	for _, sess := range sessions {
		snap.Stats.TotalJoined++
		switch sess.Status {
		case model.SessionStatusInProgress:
			snap.Stats.TotalInProgress++
		case model.SessionStatusCompleted:
			snap.Stats.TotalCompleted++
		case model.SessionStatusAutoSubmitted:
			snap.Stats.TotalAutoSubmit++
		}
		st := byID[sess.StudentID]
		snap.Students = append(snap.Students, model.MonitorStudent{
			SessionID:           sess.ID,
			StudentID:           sess.StudentID,
			Name:                st.Name,
			Department:          st.Department,
			Status:              sess.Status,
			CurrentSectionIndex: sess.CurrentSectionIndex,
			CompletedSections:   len(sess.CompletedSections),
			SectionEndTime:      sess.SectionEndTime,
			LastSavedAt:         sess.LastSavedAt,
			TotalScore:          sess.TotalScore,
			MaxScore:            sess.MaxScore,
		})
	}
	return snap, nil
}
