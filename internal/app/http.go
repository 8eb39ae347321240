package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bulletin/api/internal/store"
)

const maxAttachmentMemory = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	segments = segments[1:]

	switch {
	case len(segments) == 1 && segments[0] == "announcements":
		switch r.Method {
		case http.MethodGet:
			s.handleListAnnouncements(w, r)
		case http.MethodPost:
			s.handleCreateAnnouncement(w, r)
		case http.MethodDelete:
			s.handleBatchDelete(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(segments) == 2 && segments[0] == "announcements":
		id := segments[1]
		switch r.Method {
		case http.MethodGet:
			s.handleGetAnnouncement(w, r, id)
		case http.MethodPut:
			s.handleUpdateAnnouncement(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(segments) == 3 && segments[0] == "announcements":
		id := segments[1]
		switch {
		case r.Method == http.MethodPost && segments[2] == "sync":
			s.handleSyncAnnouncement(w, r, id)
		case r.Method == http.MethodPost && segments[2] == "duplicate":
			s.handleDuplicate(w, r, id)
		case r.Method == http.MethodPost && segments[2] == "view":
			s.handleRecordView(w, r, id)
		case r.Method == http.MethodPut && segments[2] == "attachments":
			s.handleReconcileAttachments(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case len(segments) == 2 && segments[0] == "index-entries" && r.Method == http.MethodDelete:
		s.handleDeleteIndexEntry(w, r, segments[1])
		return

	case len(segments) == 2 && segments[0] == "settings" && segments[1] == "index":
		switch r.Method {
		case http.MethodGet:
			s.handleGetIndexSettings(w, r)
		case http.MethodPut:
			s.handlePutIndexSettings(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListAnnouncements(w http.ResponseWriter, r *http.Request) {
	filter := announcementFilterFromQuery(r)
	items, err := s.service.ListAnnouncements(r.Context(), filter)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"announcements": items})
}

func (s *HTTPServer) handleCreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	var input AnnouncementInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateAnnouncement(r.Context(), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"announcement": item})
}

func (s *HTTPServer) handleGetAnnouncement(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.service.GetAnnouncement(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"announcement": detail.Announcement,
		"attachments":  detail.Attachments,
		"viewCount":    detail.ViewCount,
	})
}

func (s *HTTPServer) handleUpdateAnnouncement(w http.ResponseWriter, r *http.Request, id string) {
	var input AnnouncementInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.UpdateAnnouncement(r.Context(), id, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"announcement": item})
}

func (s *HTTPServer) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(input.IDs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids is required", nil)
		return
	}
	deleted, err := s.service.BatchDelete(r.Context(), input.IDs)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}

func (s *HTTPServer) handleSyncAnnouncement(w http.ResponseWriter, r *http.Request, id string) {
	docID, err := s.service.SyncAnnouncement(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "documentId": docID})
}

func (s *HTTPServer) handleDuplicate(w http.ResponseWriter, r *http.Request, id string) {
	newID, err := s.service.Duplicate(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"newAnnouncementId": newID})
}

func (s *HTTPServer) handleRecordView(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.RecordView(r.Context(), id, clientKey(r)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteIndexEntry(w http.ResponseWriter, r *http.Request, id string) {
	isDocID := r.URL.Query().Get("byDocId") == "true"
	ok := s.service.DeleteIndexEntry(r.Context(), id, isDocID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

// reconcileManifest is the JSON part of the multipart attachment save: the
// desired final ordering plus an explicit removal set. Upload slots pair with
// the request's files in order of appearance.
type reconcileManifest struct {
	Desired []struct {
		AttachmentID string `json:"attachmentId"`
		FileName     string `json:"fileName"`
	} `json:"desired"`
	Remove []string `json:"remove"`
}

func (s *HTTPServer) handleReconcileAttachments(w http.ResponseWriter, r *http.Request, id string) {
	if err := r.ParseMultipartForm(maxAttachmentMemory); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var manifest reconcileManifest
	if err := json.Unmarshal([]byte(r.FormValue("manifest")), &manifest); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "manifest must be valid JSON", nil)
		return
	}

	files := r.MultipartForm.File["files"]
	desired := make([]DesiredAttachment, 0, len(manifest.Desired))
	fileIndex := 0
	var openErr error
	for _, slot := range manifest.Desired {
		if slot.AttachmentID != "" {
			desired = append(desired, DesiredAttachment{ExistingID: slot.AttachmentID})
			continue
		}
		if fileIndex >= len(files) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "manifest lists more new files than were uploaded", nil)
			return
		}
		header := files[fileIndex]
		fileIndex++

		file, err := header.Open()
		if err != nil {
			openErr = err
			break
		}
		defer file.Close()

		fileName := slot.FileName
		if fileName == "" {
			fileName = header.Filename
		}
		desired = append(desired, DesiredAttachment{Upload: &UploadPayload{
			FileName: fileName,
			Size:     header.Size,
			MimeType: header.Header.Get("Content-Type"),
			Content:  file,
		}})
	}
	if openErr != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", openErr.Error(), nil)
		return
	}

	result, err := s.service.ReconcileAttachments(r.Context(), id, desired, manifest.Remove)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetIndexSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.GetIndexSettings(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handlePutIndexSettings(w http.ResponseWriter, r *http.Request) {
	var input IndexSettingsInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.PutIndexSettings(r.Context(), input); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func announcementFilterFromQuery(r *http.Request) (filter store.AnnouncementFilter) {
	query := r.URL.Query()
	if raw := query.Get("active"); raw != "" {
		active := raw == "true"
		filter.Active = &active
	}
	filter.Category = query.Get("category")
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}
	return filter
}

// clientKey identifies a viewer for dedupe purposes without storing anything
// identifying: a hash of the remote address and user agent.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		host = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	sum := sha256.Sum256([]byte(host + "|" + r.UserAgent()))
	return hex.EncodeToString(sum[:8])
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
