package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clubops/api/internal/store"
)

func newTestServer(t *testing.T, dataStore *fakeStore) *HTTPServer {
	t.Helper()
	service := newTestService(t, dataStore)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPServer(service, "*", "cron-secret", "", logger, nil)
}

func doRequest(t *testing.T, server *HTTPServer, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func asPresident() map[string]string {
	return map[string]string{"X-Member-Id": "mem_p", "X-Member-Role": "president"}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCronRejectsMissingToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodPost, "/api/cron/transitions", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCronRejectsWrongToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodPost, "/api/cron/transitions", "", map[string]string{
		"Authorization": "Bearer wrong-secret",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCronAcceptsSharedToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodPost, "/api/cron/transitions", "", map[string]string{
		"Authorization": "Bearer cron-secret",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result SchedulerResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestCronPrefersHashedToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	service := newTestService(t, &fakeStore{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewHTTPServer(service, "*", "cron-secret", string(hash), logger, nil)

	// The plain token is ignored once a hash is configured.
	recorder := doRequest(t, server, http.MethodPost, "/api/cron/transitions", "", map[string]string{
		"Authorization": "Bearer cron-secret",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for plain token, got %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/cron/transitions", "", map[string]string{
		"Authorization": "Bearer hashed-secret",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for hashed token, got %d", recorder.Code)
	}
}

func TestCronStatusEndpoint(t *testing.T) {
	dataStore := &fakeStore{
		countDuePlansFn: func(context.Context, time.Time) (int, error) { return 1, nil },
	}
	server := newTestServer(t, dataStore)
	recorder := doRequest(t, server, http.MethodGet, "/api/cron/transitions", "", map[string]string{
		"Authorization": "Bearer cron-secret",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var report CronStatus
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.DueTransitionsCount != 1 {
		t.Fatalf("expected 1 due, got %d", report.DueTransitionsCount)
	}
}

func TestViewerHeaderRequired(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestWidgetForbiddenForWebmaster(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions/widget", "", map[string]string{
		"X-Member-Id":   "mem_w",
		"X-Member-Role": "webmaster",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestWidgetReturnsDataForPresident(t *testing.T) {
	dataStore := &fakeStore{
		findPlanForTermFn: func(context.Context, string) (*store.TransitionPlan, error) {
			return termPlan(), nil
		},
		getPlanFn: func(context.Context, string) (store.TransitionPlan, error) {
			return *termPlan(), nil
		},
	}
	server := newTestServer(t, dataStore)
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions/widget", "", asPresident())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var data WidgetData
	if err := json.Unmarshal(recorder.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode widget: %v", err)
	}
	if !data.Visible || data.TermName != "2026-2027" {
		t.Fatalf("unexpected widget data: %+v", data)
	}
}

func TestUnknownRoleFallsBackToMember(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodPost, "/api/transitions", `{"name":"x"}`, map[string]string{
		"X-Member-Id":   "mem_1",
		"X-Member-Role": "super-admin",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unrecognized role, got %d", recorder.Code)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions/plan_missing", "", asPresident())
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestCreatePlanEndpoint(t *testing.T) {
	var created store.TransitionPlan
	dataStore := &fakeStore{
		createPlanFn: func(_ context.Context, plan store.TransitionPlan) error {
			created = plan
			return nil
		},
		getPlanFn: func(_ context.Context, planID string) (store.TransitionPlan, error) {
			created.AssignmentCount = len(created.Assignments)
			return created, nil
		},
	}
	server := newTestServer(t, dataStore)

	body := `{
		"name": "2026 handover",
		"effectiveAt": "2026-07-01T00:00:00Z",
		"assignments": [
			{"committeeRoleId": "role_pres", "serviceType": "BOARD_OFFICER", "roleTitle": "President", "fromMemberId": "mem_old", "toMemberId": "mem_new"}
		]
	}`
	recorder := doRequest(t, server, http.MethodPost, "/api/transitions", body, asPresident())
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if payload["status"] != "DRAFT" {
		t.Fatalf("expected DRAFT, got %v", payload["status"])
	}
	if payload["targetTermName"] != "2026-2027" {
		t.Fatalf("expected term 2026-2027, got %v", payload["targetTermName"])
	}
}

func TestApproveEndpointMapsConflict(t *testing.T) {
	dataStore := &fakeStore{
		setPresidentApprovalFn: func(context.Context, string, string, time.Time) (store.ApprovalResult, error) {
			return store.ApprovalResult{}, nil
		},
		getPlanFn: func(context.Context, string) (store.TransitionPlan, error) {
			return store.TransitionPlan{ID: "plan_1", Status: store.StatusPendingApproval, PresidentApproved: true}, nil
		},
	}
	server := newTestServer(t, dataStore)
	recorder := doRequest(t, server, http.MethodPost, "/api/transitions/plan_1/approve", "", asPresident())
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestApproveEndpointRejectsMismatchedRoleBody(t *testing.T) {
	dataStore := &fakeStore{
		setPresidentApprovalFn: func(context.Context, string, string, time.Time) (store.ApprovalResult, error) {
			t.Fatal("store must not be reached on a mismatched approverRole")
			return store.ApprovalResult{}, nil
		},
	}
	server := newTestServer(t, dataStore)
	recorder := doRequest(t, server, http.MethodPost, "/api/transitions/plan_1/approve", `{"approverRole":"vp-activities"}`, asPresident())
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestServiceHistoryEndpoint(t *testing.T) {
	endAt := time.Date(2026, time.June, 30, 23, 59, 59, 0, time.UTC)
	dataStore := &fakeStore{
		listServiceHistoryFn: func(_ context.Context, memberID string) ([]store.ServiceHistoryEntry, error) {
			return []store.ServiceHistoryEntry{
				{ID: "svc_2", MemberID: memberID, ServiceType: store.ServiceBoardOfficer, RoleTitle: "President", StartAt: time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)},
				{ID: "svc_1", MemberID: memberID, ServiceType: store.ServiceCommitteeChair, RoleTitle: "Chair", CommitteeID: "com_1", StartAt: time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), EndAt: &endAt},
			}, nil
		},
	}
	server := newTestServer(t, dataStore)
	recorder := doRequest(t, server, http.MethodGet, "/api/members/mem_1/service-history", "", map[string]string{
		"X-Member-Id":   "mem_1",
		"X-Member-Role": "member",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	if payload.Entries[0]["active"] != true || payload.Entries[1]["active"] != false {
		t.Fatalf("unexpected active flags: %+v", payload.Entries)
	}
}

func TestInvalidStatusFilterRejected(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions?status=OPEN", "", asPresident())
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestInvalidLimitRejected(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(t, server, http.MethodGet, "/api/transitions?limit=abc", "", asPresident())
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}
