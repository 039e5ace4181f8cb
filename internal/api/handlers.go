package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailarchiver/mailarchiver/internal/fileutil"
	"github.com/mailarchiver/mailarchiver/internal/jobs"
	"github.com/mailarchiver/mailarchiver/internal/mbox"
	"github.com/mailarchiver/mailarchiver/internal/search"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// maxUploadBytes caps an uploaded mbox file at 2 GiB.
const maxUploadBytes = 2 << 30

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// StatsResponse represents the archive statistics.
type StatsResponse struct {
	TotalAccounts    int64 `json:"total_accounts"`
	TotalEmails      int64 `json:"total_emails"`
	TotalAttachments int64 `json:"total_attachments"`
	DatabaseSize     int64 `json:"database_size_bytes"`
}

// handleStats returns archive statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalAccounts:    stats.AccountCount,
		TotalEmails:      stats.EmailCount,
		TotalAttachments: stats.AttachmentCount,
		DatabaseSize:     stats.DatabaseSize,
	})
}

// AccountStatsInfo represents one account in the accounts response.
type AccountStatsInfo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Enabled    bool   `json:"enabled"`
	EmailCount int64  `json:"email_count"`
	LastSync   string `json:"last_sync,omitempty"`
}

// handleAccountStats returns per-account counts and sync watermarks.
func (s *Server) handleAccountStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetAccountStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get account stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve accounts")
		return
	}

	accounts := make([]AccountStatsInfo, len(stats))
	for i, a := range stats {
		info := AccountStatsInfo{
			ID:         a.AccountID,
			Name:       a.Name,
			Email:      a.Email,
			Enabled:    a.Enabled,
			EmailCount: a.EmailCount,
		}
		if a.LastSync.After(store.EpochSentinel) {
			info.LastSync = a.LastSync.UTC().Format(time.RFC3339)
		}
		accounts[i] = info
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

// EmailSummary represents one email in search responses.
type EmailSummary struct {
	ID             int64  `json:"id"`
	AccountID      int64  `json:"account_id"`
	Subject        string `json:"subject"`
	From           string `json:"from"`
	To             string `json:"to"`
	SentDate       string `json:"sent_date"`
	Folder         string `json:"folder"`
	IsOutgoing     bool   `json:"is_outgoing"`
	HasAttachments bool   `json:"has_attachments"`
	Snippet        string `json:"snippet"`
}

// SearchResponse represents search results.
type SearchResponse struct {
	Query    string         `json:"query"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Emails   []EmailSummary `json:"emails"`
}

// handleSearch searches the archive.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queryStr := q.Get("q")
	if queryStr == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	pred := &store.SearchPredicate{
		Query:      search.Parse(queryStr),
		Folder:     q.Get("folder"),
		OrderBy:    q.Get("order"),
		Descending: q.Get("desc") == "true",
		Skip:       (page - 1) * pageSize,
		Take:       pageSize,
	}
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_account", "account_id must be a number")
			return
		}
		pred.AccountID = &id
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
		pred.DateFrom = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
			return
		}
		pred.DateTo = &t
	}
	if v := q.Get("outgoing"); v != "" {
		outgoing := v == "true"
		pred.Outgoing = &outgoing
	}

	emails, total, err := s.store.Search(r.Context(), pred)
	if err != nil {
		s.logger.Error("search failed", "query", queryStr, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Search failed")
		return
	}

	if err := s.store.LogAccess(r.Context(), "search", queryStr, 0); err != nil {
		s.logger.Warn("access log write failed", "error", err)
	}

	summaries := make([]EmailSummary, len(emails))
	for i, e := range emails {
		summaries[i] = EmailSummary{
			ID:             e.ID,
			AccountID:      e.AccountID,
			Subject:        e.Subject,
			From:           e.From,
			To:             e.To,
			SentDate:       e.SentDate.UTC().Format(time.RFC3339),
			Folder:         e.FolderName,
			IsOutgoing:     e.IsOutgoing,
			HasAttachments: e.HasAttachments,
			Snippet:        snippet(e.Body),
		}
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Query:    queryStr,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Emails:   summaries,
	})
}

const snippetLen = 200

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) <= snippetLen {
		return body
	}
	cut := body[:snippetLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

// JobSubmitted is the response to every job submission.
type JobSubmitted struct {
	JobID string `json:"job_id"`
}

func (s *Server) submit(w http.ResponseWriter, kind jobs.Kind, payload any) {
	jobID, err := s.queue.Submit(kind, payload)
	if err != nil {
		s.logger.Error("job submit failed", "kind", kind, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, JobSubmitted{JobID: jobID})
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_account", "Account ID must be a positive number")
		return 0, false
	}
	return id, true
}

// handleSubmitSync queues a sync job for an account. ?full=true forces a
// full resync from the epoch.
func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	s.submit(w, jobs.KindSync, jobs.SyncPayload{
		AccountID:  accountID,
		FullResync: r.URL.Query().Get("full") == "true",
	})
}

// handleSubmitDelete queues an account-delete job.
func (s *Server) handleSubmitDelete(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	s.submit(w, jobs.KindAccountDelete, jobs.DeletePayload{AccountID: accountID})
}

// RestoreRequest asks for emails to be written back to the mailbox.
type RestoreRequest struct {
	AccountID int64   `json:"account_id"`
	EmailIDs  []int64 `json:"email_ids"`
	Folder    string  `json:"folder,omitempty"`
}

func (s *Server) handleSubmitRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.AccountID <= 0 || len(req.EmailIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id and email_ids are required")
		return
	}
	s.submit(w, jobs.KindRestore, jobs.RestorePayload{
		AccountID: req.AccountID,
		EmailIDs:  req.EmailIDs,
		Folder:    req.Folder,
	})
}

// ExportRequest asks for an export archive to be produced.
type ExportRequest struct {
	AccountID int64   `json:"account_id"`
	Format    string  `json:"format"`
	EmailIDs  []int64 `json:"email_ids,omitempty"`
}

func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.AccountID <= 0 && len(req.EmailIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id or email_ids is required")
		return
	}
	if req.Format != "eml" && req.Format != "mbox" {
		writeError(w, http.StatusBadRequest, "invalid_format", "format must be eml or mbox")
		return
	}
	s.submit(w, jobs.KindExport, jobs.ExportPayload{
		AccountID: req.AccountID,
		Format:    req.Format,
		EmailIDs:  req.EmailIDs,
	})
}

// handleSubmitImport accepts a multipart mbox upload, stores it under the
// uploads directory, and queues an import job.
func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	accountID, err := strconv.ParseInt(r.FormValue("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_account", "account_id form field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "file form field is required")
		return
	}
	defer file.Close()

	path, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.logger.Error("upload save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload_failed", "Could not store uploaded file")
		return
	}

	if err := s.validateMbox(path); err != nil {
		os.Remove(path)
		writeError(w, http.StatusBadRequest, "invalid_mbox", err.Error())
		return
	}

	s.submit(w, jobs.KindImport, jobs.ImportPayload{AccountID: accountID, Path: path})
}

// saveUpload stores the uploaded stream as {uploads}/{uuid}_{origname}.
func (s *Server) saveUpload(src io.Reader, origName string) (string, error) {
	dir := s.cfg.UploadsDir()
	if err := fileutil.SecureMkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(origName))
	path := filepath.Join(dir, name)

	dst, err := fileutil.SecureOpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) validateMbox(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return mbox.Validate(f, 1<<20)
}

// handleListJobs returns the jobs active within the last 24 hours.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.queue.ListActive()})
}

// handleGetJob returns one job snapshot.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelJob requests cancellation of a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !s.queue.Cancel(jobID) {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleDownloadArtifact serves an export artifact and marks the job
// downloaded.
func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	snap, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	if snap.Artifact == "" || (snap.Status != jobs.StatusCompleted && snap.Status != jobs.StatusDownloaded) {
		writeError(w, http.StatusConflict, "no_artifact", "Job has no downloadable artifact")
		return
	}

	if err := s.store.LogAccess(r.Context(), "export_download", jobID, 0); err != nil {
		s.logger.Warn("access log write failed", "error", err)
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(snap.Artifact)))
	http.ServeFile(w, r, snap.Artifact)
	s.queue.MarkDownloaded(jobID)
}
