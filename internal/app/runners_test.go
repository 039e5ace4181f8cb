package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/config"
	"github.com/mailarchiver/mailarchiver/internal/jobs"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
	"github.com/mailarchiver/mailarchiver/internal/provider/graph"
	"github.com/mailarchiver/mailarchiver/internal/provider/imapcli"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// fakeFullStore implements the app Store interface in memory.
type fakeFullStore struct {
	accounts map[int64]*store.MailAccount
	emails   map[int64]*store.Email
	byFP     map[string]*store.Email
	nextID   int64
	lastSync map[int64]time.Time
	access   []string
}

func newFakeFullStore() *fakeFullStore {
	return &fakeFullStore{
		accounts: make(map[int64]*store.MailAccount),
		emails:   make(map[int64]*store.Email),
		byFP:     make(map[string]*store.Email),
		lastSync: make(map[int64]time.Time),
	}
}

// FindAccount mirrors the real store: a missing row is (nil, nil), not
// an error.
func (f *fakeFullStore) FindAccount(ctx context.Context, id int64) (*store.MailAccount, error) {
	return f.accounts[id], nil
}

func (f *fakeFullStore) LogAccess(ctx context.Context, kind, detail string, emailID int64) error {
	f.access = append(f.access, kind)
	return nil
}

func (f *fakeFullStore) UpdateLastSync(ctx context.Context, accountID int64, t time.Time) error {
	f.lastSync[accountID] = t
	return nil
}

func (f *fakeFullStore) ResetLastSync(ctx context.Context, accountID int64) error {
	f.lastSync[accountID] = store.EpochSentinel
	return nil
}

func (f *fakeFullStore) HasFingerprint(ctx context.Context, accountID int64, fp string) (bool, error) {
	_, ok := f.byFP[fp]
	return ok, nil
}

func (f *fakeFullStore) ListEmailIDsForRetention(ctx context.Context, accountID int64, cutoff time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (f *fakeFullStore) BatchDeleteAttachmentsByEmailIDs(ctx context.Context, ids []int64) error {
	return nil
}

func (f *fakeFullStore) BatchDeleteEmails(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		delete(f.emails, id)
	}
	return nil
}

func (f *fakeFullStore) FindEmailByFingerprint(ctx context.Context, accountID int64, fp, from, to, subject string, sent time.Time) (*store.Email, error) {
	return f.byFP[fp], nil
}

func (f *fakeFullStore) MoveEmailFolder(ctx context.Context, emailID int64, folder string) error {
	if e, ok := f.emails[emailID]; ok {
		e.FolderName = folder
	}
	return nil
}

func (f *fakeFullStore) InsertEmailWithAttachments(ctx context.Context, e *store.Email) error {
	f.nextID++
	e.ID = f.nextID
	f.emails[e.ID] = e
	f.byFP[e.MessageID] = e
	return nil
}

func (f *fakeFullStore) ListEmailIDsByAccount(ctx context.Context, accountID, afterID int64, limit int) ([]int64, error) {
	var out []int64
	for id := afterID + 1; id <= f.nextID; id++ {
		if e, ok := f.emails[id]; ok && e.AccountID == accountID {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// GetEmailWithAttachments mirrors the real store's (nil, nil) not-found
// contract.
func (f *fakeFullStore) GetEmailWithAttachments(ctx context.Context, emailID int64) (*store.Email, error) {
	return f.emails[emailID], nil
}

func (f *fakeFullStore) ClearLocksForAccount(ctx context.Context, accountID int64) error { return nil }

func (f *fakeFullStore) CountEmailsByAccount(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	for _, e := range f.emails {
		if e.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (f *fakeFullStore) CountAttachmentsByAccount(ctx context.Context, accountID int64) (int64, error) {
	return 0, nil
}

func (f *fakeFullStore) DeleteAccount(ctx context.Context, accountID int64) error {
	delete(f.accounts, accountID)
	return nil
}

// fakeProvider serves canned messages and records restores.
type fakeProvider struct {
	messages []*normalize.Message
	restored []string
	closed   bool
}

func (f *fakeProvider) TestConnection(ctx context.Context) error { return nil }

func (f *fakeProvider) ListFolders(ctx context.Context) ([]string, error) {
	return []string{"INBOX"}, nil
}

func (f *fakeProvider) FetchFolder(ctx context.Context, folder string, since time.Time, handle provider.MessageHandler) error {
	for _, m := range f.messages {
		if err := handle(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProvider) DeleteOldEmails(ctx context.Context, cutoff time.Time, archived provider.ArchivedFunc) (int, error) {
	return 0, nil
}

func (f *fakeProvider) RestoreOne(ctx context.Context, email *store.Email, folder string) error {
	f.restored = append(f.restored, email.MessageID)
	return nil
}

func (f *fakeProvider) RestoreMany(ctx context.Context, emails []*store.Email, folder string, report func(done, failed int)) (int, int, error) {
	for _, e := range emails {
		f.restored = append(f.restored, e.MessageID)
	}
	report(len(emails), 0)
	return len(emails), 0, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Data: config.DataConfig{ContentRoot: t.TempDir()},
		Sync: config.SyncConfig{BatchSize: 10, DisplayTimeZone: "UTC"},
	}
}

func testRunners(t *testing.T, st *fakeFullStore, prov *fakeProvider) *Runners {
	t.Helper()
	r := NewRunners(testConfig(t), st, discard())
	r.factory = func(ctx context.Context, account *store.MailAccount) (provider.Provider, error) {
		return prov, nil
	}
	r.now = func() time.Time { return time.Date(2024, 5, 1, 13, 45, 9, 0, time.UTC) }
	return r
}

func job(kind jobs.Kind, payload any) *jobs.Job {
	return &jobs.Job{ID: "test-job", Kind: kind, Payload: payload}
}

func msg(id, subject string) *normalize.Message {
	return &normalize.Message{
		MessageID:  id,
		Subject:    subject,
		From:       "sender@example.com",
		To:         "user@example.com",
		DateHeader: "Mon, 02 Jan 2006 15:04:05 +0000",
	}
}

func TestSyncRunner(t *testing.T) {
	st := newFakeFullStore()
	st.accounts[1] = &store.MailAccount{ID: 1, Email: "user@example.com", LastSync: store.EpochSentinel}
	prov := &fakeProvider{messages: []*normalize.Message{msg("<a@x>", "one"), msg("<b@x>", "two")}}

	j := job(jobs.KindSync, jobs.SyncPayload{AccountID: 1})
	if err := testRunners(t, st, prov).Sync()(context.Background(), j); err != nil {
		t.Fatalf("sync runner: %v", err)
	}
	if len(st.emails) != 2 {
		t.Errorf("archived %d emails", len(st.emails))
	}
	if !prov.closed {
		t.Error("provider not closed")
	}
	snap := j.Snapshot()
	if snap.Counters.Processed != 2 || snap.Counters.New != 2 {
		t.Errorf("counters = %+v", snap.Counters)
	}
}

func TestSyncRunnerUnknownAccount(t *testing.T) {
	st := newFakeFullStore()
	prov := &fakeProvider{}

	j := job(jobs.KindSync, jobs.SyncPayload{AccountID: 999})
	err := testRunners(t, st, prov).Sync()(context.Background(), j)
	if err == nil {
		t.Fatal("sync of unknown account did not fail")
	}
	if prov.closed {
		t.Error("provider was built for a missing account")
	}
}

func TestRestoreRunnerUnknownEmail(t *testing.T) {
	st := newFakeFullStore()
	st.accounts[1] = &store.MailAccount{ID: 1}
	prov := &fakeProvider{}

	j := job(jobs.KindRestore, jobs.RestorePayload{AccountID: 1, EmailIDs: []int64{9}})
	err := testRunners(t, st, prov).Restore()(context.Background(), j)
	if err == nil {
		t.Fatal("restore of unknown email did not fail")
	}
	if len(prov.restored) != 0 {
		t.Errorf("restored = %v", prov.restored)
	}
}

func TestImportRunnerUnknownAccount(t *testing.T) {
	st := newFakeFullStore()

	j := job(jobs.KindImport, jobs.ImportPayload{AccountID: 7, Path: "does-not-matter.mbox"})
	if err := testRunners(t, st, &fakeProvider{}).Import()(context.Background(), j); err == nil {
		t.Fatal("import into unknown account did not fail")
	}
}

func TestRestoreRunnerRejectsForeignEmail(t *testing.T) {
	st := newFakeFullStore()
	st.accounts[1] = &store.MailAccount{ID: 1}
	st.nextID = 1
	st.emails[1] = &store.Email{ID: 1, AccountID: 2, MessageID: "<x@y>"}
	prov := &fakeProvider{}

	j := job(jobs.KindRestore, jobs.RestorePayload{AccountID: 1, EmailIDs: []int64{1}})
	if err := testRunners(t, st, prov).Restore()(context.Background(), j); err == nil {
		t.Fatal("foreign email accepted for restore")
	}
	if len(prov.restored) != 0 {
		t.Errorf("restored = %v", prov.restored)
	}
}

func TestRestoreRunner(t *testing.T) {
	st := newFakeFullStore()
	st.accounts[1] = &store.MailAccount{ID: 1}
	st.nextID = 2
	st.emails[1] = &store.Email{ID: 1, AccountID: 1, MessageID: "<a@x>"}
	st.emails[2] = &store.Email{ID: 2, AccountID: 1, MessageID: "<b@x>"}
	prov := &fakeProvider{}

	j := job(jobs.KindRestore, jobs.RestorePayload{AccountID: 1, EmailIDs: []int64{1, 2}, Folder: "INBOX"})
	if err := testRunners(t, st, prov).Restore()(context.Background(), j); err != nil {
		t.Fatalf("restore runner: %v", err)
	}
	if len(prov.restored) != 2 {
		t.Errorf("restored = %v", prov.restored)
	}
	if len(st.access) != 1 || st.access[0] != "restore" {
		t.Errorf("access logs = %v", st.access)
	}
}

func TestExportRunnerProducesArtifact(t *testing.T) {
	st := newFakeFullStore()
	st.nextID = 1
	st.emails[1] = &store.Email{
		ID: 1, AccountID: 1, MessageID: "<a@x>", Subject: "hello",
		From: "a@x", To: "b@x", SentDate: time.Now(), Body: "body",
	}
	r := testRunners(t, st, &fakeProvider{})

	j := job(jobs.KindExport, jobs.ExportPayload{AccountID: 1, Format: "eml"})
	if err := r.Export()(context.Background(), j); err != nil {
		t.Fatalf("export runner: %v", err)
	}

	snap := j.Snapshot()
	want := filepath.Join(r.cfg.ExportsDir(), "export_test-job_20240501134509.zip")
	if snap.Artifact != want {
		t.Errorf("artifact = %q, want %q", snap.Artifact, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
	if snap.Counters.Processed != 1 {
		t.Errorf("counters = %+v", snap.Counters)
	}
}

func TestImportRunnerRemovesUpload(t *testing.T) {
	st := newFakeFullStore()
	st.accounts[1] = &store.MailAccount{ID: 1, Email: "user@example.com"}
	r := testRunners(t, st, &fakeProvider{})

	path := filepath.Join(t.TempDir(), "upload.mbox")
	data := "From a@x Mon Jan  2 15:04:05 2006\n" +
		"From: a@x\nTo: user@example.com\nMessage-ID: <a@x>\nSubject: s\n\nbody\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	j := job(jobs.KindImport, jobs.ImportPayload{AccountID: 1, Path: path})
	if err := r.Import()(context.Background(), j); err != nil {
		t.Fatalf("import runner: %v", err)
	}
	if len(st.emails) != 1 {
		t.Errorf("archived %d emails", len(st.emails))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("upload not cleaned up")
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := testConfig(t)
	log := discard()

	p, err := BuildProvider(context.Background(), cfg, &store.MailAccount{
		Provider: store.ProviderIMAP, Host: "mail.example.com", Port: 993, UseSSL: true,
	}, log)
	if err != nil {
		t.Fatalf("imap: %v", err)
	}
	if _, ok := p.(*imapcli.Client); !ok {
		t.Errorf("imap provider type = %T", p)
	}

	p, err = BuildProvider(context.Background(), cfg, &store.MailAccount{
		Provider: store.ProviderM365, ClientID: "id", ClientSecret: "secret", Email: "u@x",
	}, log)
	if err != nil {
		t.Fatalf("m365: %v", err)
	}
	if _, ok := p.(*graph.Client); !ok {
		t.Errorf("graph provider type = %T", p)
	}

	if _, err := BuildProvider(context.Background(), cfg, &store.MailAccount{
		Provider: store.ProviderImport,
	}, log); err == nil {
		t.Error("import account got a remote provider")
	}
}
