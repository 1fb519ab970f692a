package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"clubops/api/internal/rbac"
	"clubops/api/internal/store"
)

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	cronToken     string
	cronTokenHash string
	logger        *slog.Logger
	metricsReg    *prometheus.Registry
}

func NewHTTPServer(service *Service, corsOrigin, cronToken, cronTokenHash string, logger *slog.Logger, metricsReg *prometheus.Registry) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:       service,
		corsOrigin:    corsOrigin,
		cronToken:     cronToken,
		cronTokenHash: cronTokenHash,
		logger:        logger,
		metricsReg:    metricsReg,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metricsReg != nil {
		promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	// Cron endpoints authenticate with the shared scheduler token, not a
	// member identity.
	if r.URL.Path == "/api/cron/transitions" {
		if !s.authorizeCron(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		switch r.Method {
		case http.MethodPost:
			result, err := s.service.ProcessScheduledOperations(r.Context())
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case http.MethodGet:
			report, err := s.service.CronStatusReport(r.Context())
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, report)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/transitions/widget" {
		// The webmaster dashboard embeds member pages; the widget must
		// never appear there, so the role is rejected outright.
		if viewer.Role == rbac.RoleWebmaster {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		data, err := s.service.WidgetDataFor(r.Context(), viewer)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, data)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/transitions/widget/oversight" {
		data, err := s.service.OversightDataFor(r.Context(), viewer)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, data)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/transitions" {
		filter, err := planFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		plans, err := s.service.List(r.Context(), viewer, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": planSummaries(plans)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/transitions" {
		var body CreatePlanInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		plan, err := s.service.Create(r.Context(), viewer, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, planPayload(plan))
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/transitions/{id} and subresources
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "transitions" {
		planID := parts[2]

		if len(parts) == 3 && r.Method == http.MethodGet {
			plan, err := s.service.Get(r.Context(), viewer, planID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, planPayload(plan))
			return
		}

		if len(parts) == 4 && r.Method == http.MethodPost {
			switch parts[3] {
			case "submit":
				plan, err := s.service.Submit(r.Context(), viewer, planID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, planPayload(plan))
				return
			case "approve":
				var body ApproveInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				plan, err := s.service.Approve(r.Context(), viewer, planID, body)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, planPayload(plan))
				return
			case "cancel":
				var body CancelPlanInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				plan, err := s.service.Cancel(r.Context(), viewer, planID, body)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, planPayload(plan))
				return
			}
		}
	}

	// /api/members/{id}/service-history
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "members" && parts[3] == "service-history" {
		memberID := parts[2]
		switch r.Method {
		case http.MethodGet:
			entries, err := s.service.ServiceHistory(r.Context(), viewer, memberID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"entries": entryPayloads(entries)})
			return
		case http.MethodPost:
			var body CreateServiceEntryInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			entry, err := s.service.CreateServiceEntry(r.Context(), viewer, memberID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, entryPayload(entry))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireViewer reads the identity the auth proxy injects. Requests
// without a member id never reach the domain layer.
func (s *HTTPServer) requireViewer(w http.ResponseWriter, r *http.Request) (Viewer, bool) {
	memberID := strings.TrimSpace(r.Header.Get("X-Member-Id"))
	if memberID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Viewer{}, false
	}
	role := rbac.Normalize(strings.TrimSpace(r.Header.Get("X-Member-Role")))
	return Viewer{MemberID: memberID, Role: role}, true
}

func (s *HTTPServer) authorizeCron(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if s.cronTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cronTokenHash), []byte(token)) == nil
	}
	if s.cronToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cronToken)) == 1
}

func planFilterFromQuery(r *http.Request) (store.PlanFilter, error) {
	filter := store.PlanFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return store.PlanFilter{}, fmt.Errorf("limit must be an integer")
		}
		filter.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return store.PlanFilter{}, fmt.Errorf("offset must be an integer")
		}
		filter.Offset = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("effectiveFrom")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.PlanFilter{}, fmt.Errorf("effectiveFrom must be RFC 3339")
		}
		filter.EffectiveFrom = &parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("effectiveTo")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.PlanFilter{}, fmt.Errorf("effectiveTo must be RFC 3339")
		}
		filter.EffectiveTo = &parsed
	}
	return filter, nil
}

func planSummaries(plans []store.TransitionPlan) []map[string]any {
	items := make([]map[string]any, 0, len(plans))
	for _, plan := range plans {
		items = append(items, map[string]any{
			"id":                   plan.ID,
			"name":                 plan.Name,
			"targetTermName":       plan.TargetTermName,
			"effectiveAt":          plan.EffectiveAt,
			"status":               plan.Status,
			"presidentApproved":    plan.PresidentApproved,
			"vpActivitiesApproved": plan.VPActivitiesApproved,
			"assignmentCount":      plan.AssignmentCount,
			"createdBy":            plan.CreatedBy,
			"createdAt":            plan.CreatedAt,
		})
	}
	return items
}

func planPayload(plan store.TransitionPlan) map[string]any {
	assignments := make([]map[string]any, 0, len(plan.Assignments))
	for _, assignment := range plan.Assignments {
		assignments = append(assignments, map[string]any{
			"position":        assignment.Position,
			"committeeRoleId": assignment.CommitteeRoleID,
			"serviceType":     assignment.ServiceType,
			"roleTitle":       assignment.RoleTitle,
			"committeeId":     emptyToNil(assignment.CommitteeID),
			"fromMemberId":    emptyToNil(assignment.FromMemberID),
			"toMemberId":      assignment.ToMemberID,
			"startAt":         assignment.StartAt,
		})
	}
	return map[string]any{
		"id":             plan.ID,
		"name":           plan.Name,
		"description":    plan.Description,
		"targetTermName": plan.TargetTermName,
		"effectiveAt":    plan.EffectiveAt,
		"status":         plan.Status,
		"approvals": map[string]any{
			"president": map[string]any{
				"approved":   plan.PresidentApproved,
				"approvedBy": emptyToNil(plan.PresidentApprovedBy),
				"approvedAt": plan.PresidentApprovedAt,
			},
			"vpActivities": map[string]any{
				"approved":   plan.VPActivitiesApproved,
				"approvedBy": emptyToNil(plan.VPActivitiesApprovedBy),
				"approvedAt": plan.VPActivitiesApprovedAt,
			},
		},
		"createdBy":    plan.CreatedBy,
		"createdAt":    plan.CreatedAt,
		"appliedAt":    plan.AppliedAt,
		"cancelledAt":  plan.CancelledAt,
		"cancelReason": emptyToNil(plan.CancelReason),
		"assignments":  assignments,
	}
}

func entryPayloads(entries []store.ServiceHistoryEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryPayload(entry))
	}
	return items
}

func entryPayload(entry store.ServiceHistoryEntry) map[string]any {
	return map[string]any{
		"id":                     entry.ID,
		"memberId":               entry.MemberID,
		"serviceType":            entry.ServiceType,
		"roleTitle":              entry.RoleTitle,
		"committeeId":            emptyToNil(entry.CommitteeID),
		"eventId":                emptyToNil(entry.EventID),
		"termName":               emptyToNil(entry.TermName),
		"startAt":                entry.StartAt,
		"endAt":                  entry.EndAt,
		"active":                 entry.IsActive(),
		"sourceTransitionPlanId": emptyToNil(entry.SourceTransitionPlanID),
	}
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Member-Id, X-Member-Role")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An absent body leaves the target zero-valued.
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
