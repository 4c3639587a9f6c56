package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository/memstore"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[uuid.UUID]int
}

func (f *fakeTracker) Track(id uuid.UUID) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[id]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tracked[id]--
	}
}

func (f *fakeTracker) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.tracked {
		if c > 0 {
			n++
		}
	}
	return n
}

func (f *fakeTracker) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[id]
}

type api struct {
	store   *memstore.Store
	drafts  *memstore.Drafts
	auth    *service.AuthService
	tracker *fakeTracker
	engine  *gin.Engine
	def     *model.TestDefinition
}

func newAPI(t *testing.T) *api {
	validator.Setup()
	t.Helper()
	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "handler-test", JWTExpiry: time.Hour}
	log := zerolog.Nop()
	clock := func() time.Time { return t0.Add(time.Minute) }

	a := &api{
		store:   memstore.New(),
		drafts:  memstore.NewDrafts(),
		auth:    service.NewAuthService(cfg),
		tracker: &fakeTracker{tracked: map[uuid.UUID]int{}},
	}

	sessions := service.NewSessionService(a.store, a.store, event.Nop{}, nil, 10*time.Second, clock, log)
	autosave := service.NewAutosaveService(sessions, 3, time.Millisecond, log)
	timer := service.NewTimerService(sessions, log)
	results := service.NewResultService(sessions, log)
	ranking := service.NewRankingService(a.store, a.store, nil, time.Minute, clock, log)
	monitor := service.NewMonitorService(a.store, a.store, a.store)

	a.engine = router.SetupRouter(a.auth, &router.Handlers{
		Session: handler.NewSessionHandler(sessions, autosave, timer, results, ranking, log),
		Admin:   handler.NewAdminHandler(sessions, timer, results, ranking, nil, log),
		Monitor: handler.NewMonitorHandler(nil, monitor, log),
		WS:      handler.NewWSHandler(sessions, timer, a.drafts, a.tracker, log, nil),
		System:  handler.NewSystemHandler(nil, a.tracker, nil, log),
	}, cfg)

	a.def = &model.TestDefinition{ID: uuid.New(), Title: "Ujian Harian"}
	for i := range 2 {
		a.def.Sections = append(a.def.Sections, model.SectionDefinition{
			Index:           i,
			DurationSeconds: 600,
			Questions: []model.Question{
				{ID: uuid.New(), Kind: model.QuestionKindChoice, Points: 5, AnswerKey: "B"},
			},
		})
	}
	a.store.PutTest(a.def)
	a.store.PutStudent(model.Student{ID: 7, Name: "Dewi", Department: "IPA"})
	a.store.PutStudent(model.Student{ID: 8, Name: "Eko", Department: "IPA"})
	return a
}

func (a *api) token(t *testing.T, typ service.TokenType, id int) string {
	t.Helper()
	tok, err := a.auth.GenerateToken(typ, id, "IPA")
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (a *api) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (a *api) startSession(t *testing.T, studentID int) uuid.UUID {
	t.Helper()
	code, env := a.do(t, http.MethodPost, "/api/v1/student/tests/"+a.def.ID.String()+"/sessions",
		a.token(t, service.TokenTypeStudent, studentID), nil)
	require.Equal(t, http.StatusCreated, code)
	var out struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out.Session.ID
}

func (a *api) choice(section int, ans string) map[string]any {
	qid := a.def.Sections[section].Questions[0].ID.String()
	return map[string]any{
		"sections": map[string]any{
			strconv.Itoa(section): map[string]any{
				"answers": map[string]any{qid: ans},
			},
		},
	}
}

func TestStudentFlow_StartSaveSubmitRelease(t *testing.T) {
	a := newAPI(t)
	student := a.token(t, service.TokenTypeStudent, 7)
	admin := a.token(t, service.TokenTypeAdmin, 1)
	id := a.startSession(t, 7)
	base := "/api/v1/student/sessions/" + id.String()

	code, env := a.do(t, http.MethodPost, "/api/v1/student/tests/"+a.def.ID.String()+"/sessions", student, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SESSION_ALREADY_EXISTS", env.Error.Code)

	code, env = a.do(t, http.MethodPut, base+"/answers", student, a.choice(0, "B"))
	require.Equal(t, http.StatusOK, code)
	var saved service.SaveResult
	require.NoError(t, json.Unmarshal(env.Data, &saved))
	assert.True(t, saved.Success)
	assert.Equal(t, []int{0}, saved.SavedSections)

	code, _ = a.do(t, http.MethodPost, base+"/submit-section", student, map[string]any{"section_index": 0})
	require.Equal(t, http.StatusOK, code)

	final := a.choice(1, "C")
	final["section_index"] = 1
	code, env = a.do(t, http.MethodPost, base+"/submit-section", student, final)
	require.Equal(t, http.StatusOK, code)
	var submitted service.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.True(t, submitted.Finalized)
	assert.Equal(t, model.SessionStatusCompleted, submitted.Status)

	resultPath := "/api/v1/student/tests/" + a.def.ID.String() + "/result"
	code, env = a.do(t, http.MethodGet, resultPath, student, nil)
	require.Equal(t, http.StatusOK, code)
	var view model.ResultView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, model.ResultStatePending, view.State)
	assert.Nil(t, view.TotalScore)

	code, _ = a.do(t, http.MethodPost, "/api/v1/admin/tests/"+a.def.ID.String()+"/students/7/release", admin, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodGet, resultPath, student, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, model.ResultStateReleased, view.State)
	require.NotNil(t, view.Percentage)
	assert.Equal(t, 50.0, *view.Percentage)

	code, env = a.do(t, http.MethodGet, "/api/v1/student/leaderboard", student, nil)
	require.Equal(t, http.StatusOK, code)
	var lb model.Leaderboard
	require.NoError(t, json.Unmarshal(env.Data, &lb))
	assert.Equal(t, "IPA", lb.Cohort)
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, 7, lb.Entries[0].StudentID)
}

func TestStudentCannotTouchAnotherSession(t *testing.T) {
	a := newAPI(t)
	id := a.startSession(t, 7)
	other := a.token(t, service.TokenTypeStudent, 8)

	code, env := a.do(t, http.MethodGet, "/api/v1/student/sessions/"+id.String(), other, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_SESSION_OWNER", env.Error.Code)

	code, _ = a.do(t, http.MethodPut, "/api/v1/student/sessions/"+id.String()+"/answers", other, a.choice(0, "A"))
	assert.Equal(t, http.StatusForbidden, code)
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)
	student := a.token(t, service.TokenTypeStudent, 7)
	admin := a.token(t, service.TokenTypeAdmin, 1)
	id := a.startSession(t, 7)
	base := "/api/v1/student/sessions/" + id.String()
	adminBase := "/api/v1/admin/sessions/" + id.String()

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"unknown session", http.MethodGet, "/api/v1/student/sessions/" + uuid.NewString(), student, nil, http.StatusNotFound, "NOT_FOUND"},
		{"malformed id", http.MethodGet, "/api/v1/student/sessions/nope", student, nil, http.StatusBadRequest, "INVALID_ID"},
		{"advance before submit", http.MethodPost, adminBase + "/advance", admin, nil, http.StatusConflict, "CONFLICT"},
		{"student advance", http.MethodPost, adminBase + "/advance", student, nil, http.StatusForbidden, "ADMIN_ACCESS_ONLY"},
		{"submit without index", http.MethodPost, base + "/submit-section", student, map[string]any{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"empty answers", http.MethodPut, base + "/answers", student, map[string]any{"sections": map[string]any{}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad limit", http.MethodGet, "/api/v1/student/leaderboard?limit=abc", student, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"student on admin route", http.MethodGet, "/api/v1/admin/leaderboard", student, nil, http.StatusForbidden, "ADMIN_ACCESS_ONLY"},
		{"no token", http.MethodGet, base, "", nil, http.StatusUnauthorized, "TOKEN_REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := a.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestFinishThenSaveIsSessionNotActive(t *testing.T) {
	a := newAPI(t)
	student := a.token(t, service.TokenTypeStudent, 7)
	id := a.startSession(t, 7)
	base := "/api/v1/student/sessions/" + id.String()

	code, _ := a.do(t, http.MethodPost, base+"/finish", student, nil)
	require.Equal(t, http.StatusOK, code)

	code, env := a.do(t, http.MethodPut, base+"/answers", student, a.choice(0, "B"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SESSION_NOT_ACTIVE", env.Error.Code)

	code, env = a.do(t, http.MethodGet, base+"/remaining", student, nil)
	require.Equal(t, http.StatusOK, code)
	var rt model.RemainingTime
	require.NoError(t, json.Unmarshal(env.Data, &rt))
	assert.True(t, rt.IsCompleted)
}

func TestAdminEnforceAndFinalize(t *testing.T) {
	a := newAPI(t)
	admin := a.token(t, service.TokenTypeAdmin, 1)
	id := a.startSession(t, 7)

	code, env := a.do(t, http.MethodPost, "/api/v1/admin/sessions/"+id.String()+"/enforce", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var res service.EnforceResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Enforced, "window still open")

	code, _ = a.do(t, http.MethodPost, "/api/v1/admin/sessions/"+id.String()+"/finalize", admin, map[string]any{"reason": "abandon"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = a.do(t, http.MethodPost, "/api/v1/admin/sessions/"+id.String()+"/finalize", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, model.SessionStatusAutoSubmitted, out.Session.Status)

	code, env = a.do(t, http.MethodGet, "/api/v1/admin/tests/"+a.def.ID.String()+"/students/7/result", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var view model.ResultView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.NotNil(t, view.MaxScore, "admins see scores before release")
	assert.Equal(t, 10.0, *view.MaxScore)
}

func TestCodingVerdictsComeFromJudgeOnly(t *testing.T) {
	a := newAPI(t)
	coding := uuid.New()
	a.def.Sections[0].Questions = append(a.def.Sections[0].Questions,
		model.Question{ID: coding, Kind: model.QuestionKindCoding, Points: 10})
	student := a.token(t, service.TokenTypeStudent, 7)
	admin := a.token(t, service.TokenTypeAdmin, 1)
	id := a.startSession(t, 7)
	verdicts := "/api/v1/admin/sessions/" + id.String() + "/verdicts"

	forged := map[string]any{
		"sections": map[string]any{
			"0": map[string]any{
				"verdicts": map[string]any{coding.String(): map[string]any{"score": 10, "passed": 10, "total": 10}},
			},
		},
	}
	code, env := a.do(t, http.MethodPut, "/api/v1/student/sessions/"+id.String()+"/answers", student, forged)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	judged := map[string]any{
		"section_index": 0,
		"verdicts":      map[string]any{coding.String(): map[string]any{"score": 7, "passed": 7, "total": 10}},
	}
	code, env = a.do(t, http.MethodPut, verdicts, student, judged)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ADMIN_ACCESS_ONLY", env.Error.Code)

	inconsistent := map[string]any{
		"section_index": 0,
		"verdicts":      map[string]any{coding.String(): map[string]any{"score": 10, "passed": 0, "total": 10}},
	}
	code, env = a.do(t, http.MethodPut, verdicts, admin, inconsistent)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, _ = a.do(t, http.MethodPut, verdicts, admin, judged)
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/student/sessions/"+id.String()+"/submit-section", student,
		map[string]any{"section_index": 0})
	require.Equal(t, http.StatusOK, code)

	entries, err := a.store.ListSections(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 7.0, entries[0].Score)
}

func TestSessionStream(t *testing.T) {
	a := newAPI(t)
	id := a.startSession(t, 7)
	srv := httptest.NewServer(a.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/student/sessions/" + id.String() +
		"/stream?token=" + a.token(t, service.TokenTypeStudent, 7)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		var msg map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	assert.Equal(t, "pong", read()["event"])

	qid := a.def.Sections[0].Questions[0].ID.String()
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "autosave", "section": 0, "q_id": qid, "ans": "B"}))
	assert.Equal(t, "success", read()["event"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "autosave", "section": 0, "q_id": "../../etc", "ans": "B"}))
	assert.Equal(t, "error", read()["event"])

	verdictOnly := map[string]any{"action": "autosave", "section": 0, "q_id": qid,
		"verdict": map[string]any{"score": 10, "passed": 10, "total": 10}}
	require.NoError(t, conn.WriteJSON(verdictOnly))
	assert.Equal(t, "error", read()["event"], "streams carry answers only")

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "remaining"}))
	remaining := read()
	assert.Equal(t, "remaining", remaining["event"])
	assert.Equal(t, "10:00", remaining["formatted"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "submit", "section": 0}))
	submitted := read()
	assert.Equal(t, "submitted", submitted["event"])
	assert.Equal(t, true, submitted["submitted"])
	assert.EqualValues(t, 1, submitted["current_section_index"])

	entries, err := a.store.ListSections(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5.0, entries[0].Score, "buffered answer was graded at submit")

	assert.Equal(t, 1, a.tracker.count(id))
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return a.tracker.count(id) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionStream_RejectsOtherStudent(t *testing.T) {
	a := newAPI(t)
	id := a.startSession(t, 7)
	srv := httptest.NewServer(a.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/student/sessions/" + id.String() +
		"/stream?token=" + a.token(t, service.TokenTypeStudent, 8)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMonitorUnknownTest(t *testing.T) {
	a := newAPI(t)
	admin := a.token(t, service.TokenTypeAdmin, 1)

	code, env := a.do(t, http.MethodGet, "/api/v1/admin/tests/"+uuid.NewString()+"/monitor", admin, nil)

	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestSystemStatusStream(t *testing.T) {
	a := newAPI(t)
	a.tracker.Track(uuid.New())
	srv := httptest.NewServer(a.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/admin/system/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.token(t, service.TokenTypeAdmin, 1))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &status))
	assert.EqualValues(t, 1, status["autosave_tasks"])
	assert.Equal(t, false, status["redis_up"])
	assert.NotContains(t, status, "last_sweep")

	code, _ := a.do(t, http.MethodGet, "/api/v1/admin/system/status", a.token(t, service.TokenTypeStudent, 7), nil)
	assert.Equal(t, http.StatusForbidden, code)
}
