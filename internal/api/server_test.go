package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/config"
	"github.com/mailarchiver/mailarchiver/internal/jobs"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

type fakeArchiveStore struct {
	stats      store.Stats
	accounts   []store.AccountStats
	searched   []*store.SearchPredicate
	results    []store.Email
	accessLogs []string
}

func (f *fakeArchiveStore) GetStats(ctx context.Context) (*store.Stats, error) {
	return &f.stats, nil
}

func (f *fakeArchiveStore) GetAccountStats(ctx context.Context) ([]store.AccountStats, error) {
	return f.accounts, nil
}

func (f *fakeArchiveStore) Search(ctx context.Context, pred *store.SearchPredicate) ([]store.Email, int64, error) {
	f.searched = append(f.searched, pred)
	return f.results, int64(len(f.results)), nil
}

func (f *fakeArchiveStore) LogAccess(ctx context.Context, kind, detail string, emailID int64) error {
	f.accessLogs = append(f.accessLogs, kind)
	return nil
}

type fakeQueue struct {
	submitted []jobs.Kind
	payloads  []any
	snapshots map[string]jobs.Snapshot
	cancelled []string
	download  []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{snapshots: make(map[string]jobs.Snapshot)}
}

func (f *fakeQueue) Submit(kind jobs.Kind, payload any) (string, error) {
	f.submitted = append(f.submitted, kind)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeQueue) Get(jobID string) (jobs.Snapshot, bool) {
	snap, ok := f.snapshots[jobID]
	return snap, ok
}

func (f *fakeQueue) Cancel(jobID string) bool {
	if _, ok := f.snapshots[jobID]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, jobID)
	return true
}

func (f *fakeQueue) ListActive() []jobs.Snapshot {
	out := make([]jobs.Snapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeQueue) MarkDownloaded(jobID string) bool {
	f.download = append(f.download, jobID)
	return true
}

func testServer(t *testing.T, st *fakeArchiveStore, queue *fakeQueue, apiKey string) *Server {
	t.Helper()
	cfg := &config.Config{
		Data:   config.DataConfig{ContentRoot: t.TempDir()},
		Server: config.ServerConfig{APIPort: 0, APIKey: apiKey},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, st, queue, logger)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	srv := testServer(t, &fakeArchiveStore{}, newFakeQueue(), "secret")
	rec := doRequest(srv, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := testServer(t, &fakeArchiveStore{}, newFakeQueue(), "secret")

	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if rec := doRequest(srv, req); rec.Code != http.StatusOK {
		t.Errorf("bearer auth status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	if rec := doRequest(srv, req); rec.Code != http.StatusOK {
		t.Errorf("x-api-key auth status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("X-API-Key", "wrong")
	if rec := doRequest(srv, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	st := &fakeArchiveStore{stats: store.Stats{
		AccountCount: 2, EmailCount: 100, AttachmentCount: 30, DatabaseSize: 4096,
	}}
	srv := testServer(t, st, newFakeQueue(), "")

	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalEmails != 100 || resp.TotalAccounts != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSearchBuildsPredicate(t *testing.T) {
	st := &fakeArchiveStore{results: []store.Email{{
		ID: 1, AccountID: 1, Subject: "invoice",
		SentDate: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Body:     "the invoice is attached",
	}}}
	srv := testServer(t, st, newFakeQueue(), "")

	rec := doRequest(srv, httptest.NewRequest("GET",
		"/api/v1/search?q=invoice+from:billing&account_id=1&from=2024-01-01&to=2024-12-31&outgoing=false&page=2&page_size=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if len(st.searched) != 1 {
		t.Fatalf("searches = %d", len(st.searched))
	}
	pred := st.searched[0]
	if pred.AccountID == nil || *pred.AccountID != 1 {
		t.Error("account filter missing")
	}
	if pred.DateFrom == nil || pred.DateTo == nil {
		t.Error("date filters missing")
	}
	if pred.Outgoing == nil || *pred.Outgoing {
		t.Error("direction filter wrong")
	}
	if pred.Skip != 10 || pred.Take != 10 {
		t.Errorf("paging = skip %d take %d", pred.Skip, pred.Take)
	}
	if pred.Query == nil || len(pred.Query.Fields) != 1 {
		t.Errorf("parsed query = %+v", pred.Query)
	}

	if len(st.accessLogs) != 1 || st.accessLogs[0] != "search" {
		t.Errorf("access logs = %v", st.accessLogs)
	}

	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Emails) != 1 || resp.Emails[0].Subject != "invoice" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := testServer(t, &fakeArchiveStore{}, newFakeQueue(), "")
	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/search", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSubmitSync(t *testing.T) {
	queue := newFakeQueue()
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	rec := doRequest(srv, httptest.NewRequest("POST", "/api/v1/accounts/7/sync?full=true", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(queue.submitted) != 1 || queue.submitted[0] != jobs.KindSync {
		t.Fatalf("submitted = %v", queue.submitted)
	}
	payload := queue.payloads[0].(jobs.SyncPayload)
	if payload.AccountID != 7 || !payload.FullResync {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSubmitRestoreValidation(t *testing.T) {
	queue := newFakeQueue()
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	body := bytes.NewBufferString(`{"account_id":1,"email_ids":[]}`)
	rec := doRequest(srv, httptest.NewRequest("POST", "/api/v1/restore", body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty email_ids accepted: %d", rec.Code)
	}

	body = bytes.NewBufferString(`{"account_id":1,"email_ids":[4,5],"folder":"INBOX"}`)
	rec = doRequest(srv, httptest.NewRequest("POST", "/api/v1/restore", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	payload := queue.payloads[0].(jobs.RestorePayload)
	if len(payload.EmailIDs) != 2 || payload.Folder != "INBOX" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSubmitExportValidatesFormat(t *testing.T) {
	queue := newFakeQueue()
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	body := bytes.NewBufferString(`{"account_id":1,"format":"pst"}`)
	rec := doRequest(srv, httptest.NewRequest("POST", "/api/v1/export", body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad format accepted: %d", rec.Code)
	}

	body = bytes.NewBufferString(`{"account_id":1,"format":"mbox"}`)
	rec = doRequest(srv, httptest.NewRequest("POST", "/api/v1/export", body))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSubmitImportUpload(t *testing.T) {
	queue := newFakeQueue()
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	mboxData := "From a@x Mon Jan  2 15:04:05 2006\nSubject: s\n\nbody\n"
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("account_id", "3")
	fw, _ := mw.CreateFormFile("file", "backup.mbox")
	fw.Write([]byte(mboxData))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := doRequest(srv, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	payload := queue.payloads[0].(jobs.ImportPayload)
	if payload.AccountID != 3 {
		t.Errorf("payload = %+v", payload)
	}
	if !strings.HasSuffix(payload.Path, "_backup.mbox") {
		t.Errorf("upload path = %q", payload.Path)
	}
	data, err := os.ReadFile(payload.Path)
	if err != nil || string(data) != mboxData {
		t.Errorf("stored upload mismatch: %v %q", err, data)
	}
}

func TestSubmitImportRejectsNonMbox(t *testing.T) {
	queue := newFakeQueue()
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("account_id", "3")
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	fw.Write([]byte("this is not a mailbox\n"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := doRequest(srv, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-mbox upload accepted: %d", rec.Code)
	}
	if len(queue.submitted) != 0 {
		t.Error("job submitted for invalid upload")
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	queue := newFakeQueue()
	queue.snapshots["j1"] = jobs.Snapshot{ID: "j1", Kind: jobs.KindSync, Status: jobs.StatusRunning}
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get job status = %d", rec.Code)
	}

	rec = doRequest(srv, httptest.NewRequest("GET", "/api/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rec.Code)
	}

	rec = doRequest(srv, httptest.NewRequest("DELETE", "/api/v1/jobs/j1", nil))
	if rec.Code != http.StatusAccepted || len(queue.cancelled) != 1 {
		t.Errorf("cancel status = %d, cancelled %v", rec.Code, queue.cancelled)
	}

	rec = doRequest(srv, httptest.NewRequest("GET", "/api/v1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("list jobs status = %d", rec.Code)
	}
}

func TestDownloadArtifact(t *testing.T) {
	st := &fakeArchiveStore{}
	queue := newFakeQueue()
	srv := testServer(t, st, queue, "")

	artifact := filepath.Join(t.TempDir(), "export_j2_20240501134509.zip")
	if err := os.WriteFile(artifact, []byte("zipbytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	queue.snapshots["j2"] = jobs.Snapshot{
		ID: "j2", Kind: jobs.KindExport, Status: jobs.StatusCompleted, Artifact: artifact,
	}

	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/jobs/j2/download", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "zipbytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(queue.download) != 1 || queue.download[0] != "j2" {
		t.Errorf("MarkDownloaded calls = %v", queue.download)
	}
	if len(st.accessLogs) != 1 || st.accessLogs[0] != "export_download" {
		t.Errorf("access logs = %v", st.accessLogs)
	}
}

func TestDownloadArtifactRequiresCompletion(t *testing.T) {
	queue := newFakeQueue()
	queue.snapshots["j3"] = jobs.Snapshot{ID: "j3", Kind: jobs.KindExport, Status: jobs.StatusRunning}
	srv := testServer(t, &fakeArchiveStore{}, queue, "")

	rec := doRequest(srv, httptest.NewRequest("GET", "/api/v1/jobs/j3/download", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Close()

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst requests denied")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request within burst window allowed")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("separate key throttled by another key's usage")
	}
}
