package syncer

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// fakeStore implements Store in memory.
type fakeStore struct {
	lastSync     map[int64]time.Time
	fingerprints map[string]bool
	retention    []int64
	deleted      []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lastSync:     make(map[int64]time.Time),
		fingerprints: make(map[string]bool),
	}
}

func (f *fakeStore) UpdateLastSync(ctx context.Context, accountID int64, t time.Time) error {
	f.lastSync[accountID] = t
	return nil
}

func (f *fakeStore) ResetLastSync(ctx context.Context, accountID int64) error {
	f.lastSync[accountID] = store.EpochSentinel
	return nil
}

func (f *fakeStore) HasFingerprint(ctx context.Context, accountID int64, fp string) (bool, error) {
	return f.fingerprints[fp], nil
}

func (f *fakeStore) ListEmailIDsForRetention(ctx context.Context, accountID int64, cutoff time.Time, limit int) ([]int64, error) {
	ids := f.retention
	f.retention = nil
	return ids, nil
}

func (f *fakeStore) BatchDeleteAttachmentsByEmailIDs(ctx context.Context, ids []int64) error {
	return nil
}

func (f *fakeStore) BatchDeleteEmails(ctx context.Context, ids []int64) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

// fakeGateway backs the archive writer in memory, keyed by fingerprint.
type fakeGateway struct {
	rows      map[string]*store.Email
	insertErr error
	nextID    int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rows: make(map[string]*store.Email)}
}

func (f *fakeGateway) FindEmailByFingerprint(ctx context.Context, accountID int64, fp, from, to, subject string, sent time.Time) (*store.Email, error) {
	return f.rows[fp], nil
}

func (f *fakeGateway) MoveEmailFolder(ctx context.Context, emailID int64, folder string) error {
	for _, e := range f.rows {
		if e.ID == emailID {
			e.FolderName = folder
		}
	}
	return nil
}

func (f *fakeGateway) InsertEmailWithAttachments(ctx context.Context, e *store.Email) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	e.ID = f.nextID
	f.rows[e.MessageID] = e
	return nil
}

// fakeProvider serves canned messages per folder.
type fakeProvider struct {
	folders  map[string][]*normalize.Message
	order    []string
	sinceLog []time.Time
	deleted  int
}

func (f *fakeProvider) TestConnection(ctx context.Context) error { return nil }

func (f *fakeProvider) ListFolders(ctx context.Context) ([]string, error) {
	return f.order, nil
}

func (f *fakeProvider) FetchFolder(ctx context.Context, folder string, since time.Time, handle provider.MessageHandler) error {
	f.sinceLog = append(f.sinceLog, since)
	for _, msg := range f.folders[folder] {
		if err := handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProvider) DeleteOldEmails(ctx context.Context, cutoff time.Time, archived provider.ArchivedFunc) (int, error) {
	return f.deleted, nil
}

func (f *fakeProvider) RestoreOne(ctx context.Context, email *store.Email, folder string) error {
	return nil
}

func (f *fakeProvider) RestoreMany(ctx context.Context, emails []*store.Email, folder string, report func(done, failed int)) (int, int, error) {
	return len(emails), 0, nil
}

func (f *fakeProvider) Close() error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(st Store, gw archive.Gateway) *Engine {
	log := discard()
	return New(st, archive.NewWriter(gw, log), normalize.New(time.UTC), log)
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

func account() *store.MailAccount {
	return &store.MailAccount{
		ID:       1,
		Email:    "user@example.com",
		LastSync: store.EpochSentinel,
	}
}

func TestSyncAccountFullSync(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	prov := &fakeProvider{
		order: []string{"INBOX"},
		folders: map[string][]*normalize.Message{
			"INBOX": {msg("<a@x>", "one"), msg("<b@x>", "two"), msg("<c@x>", "three")},
		},
	}

	progress, err := testEngine(st, gw).SyncAccount(context.Background(), account(), prov, nil)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if progress.Processed != 3 || progress.New != 3 || progress.Failed != 0 {
		t.Errorf("counters = %+v", progress)
	}
	if _, ok := st.lastSync[1]; !ok {
		t.Error("watermark not advanced after clean run")
	}
	if len(prov.sinceLog) != 1 || !prov.sinceLog[0].IsZero() {
		t.Errorf("epoch watermark should mean full sync, since = %v", prov.sinceLog)
	}
}

func TestSyncAccountSecondRunDeduplicates(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	messages := []*normalize.Message{msg("<a@x>", "one"), msg("<b@x>", "two"), msg("<c@x>", "three")}
	prov := &fakeProvider{
		order:   []string{"INBOX"},
		folders: map[string][]*normalize.Message{"INBOX": messages},
	}
	engine := testEngine(st, gw)

	if _, err := engine.SyncAccount(context.Background(), account(), prov, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	progress, err := engine.SyncAccount(context.Background(), account(), prov, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if progress.Processed != 3 || progress.New != 0 || progress.Failed != 0 {
		t.Errorf("second run counters = %+v", progress)
	}
}

func TestSyncAccountFolderMove(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	engine := testEngine(st, gw)

	prov := &fakeProvider{
		order:   []string{"INBOX"},
		folders: map[string][]*normalize.Message{"INBOX": {msg("<b@x>", "move me")}},
	}
	if _, err := engine.SyncAccount(context.Background(), account(), prov, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	moved := &fakeProvider{
		order:   []string{"Archive/2024"},
		folders: map[string][]*normalize.Message{"Archive/2024": {msg("<b@x>", "move me")}},
	}
	progress, err := engine.SyncAccount(context.Background(), account(), moved, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if progress.New != 0 || progress.Failed != 0 {
		t.Errorf("counters = %+v", progress)
	}
	if gw.rows["<b@x>"].FolderName != "Archive/2024" {
		t.Errorf("folder = %q, want Archive/2024", gw.rows["<b@x>"].FolderName)
	}
}

func TestSyncAccountFailureBlocksWatermark(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	gw.insertErr = errors.New("disk full")
	prov := &fakeProvider{
		order:   []string{"INBOX"},
		folders: map[string][]*normalize.Message{"INBOX": {msg("<a@x>", "doomed")}},
	}

	progress, err := testEngine(st, gw).SyncAccount(context.Background(), account(), prov, nil)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if progress.Failed != 1 {
		t.Errorf("failed = %d", progress.Failed)
	}
	if _, ok := st.lastSync[1]; ok {
		t.Error("watermark advanced despite failures")
	}
}

func TestSyncAccountExcludedFolder(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	acc := account()
	acc.ExcludedFolders = []string{"spam"}
	prov := &fakeProvider{
		order: []string{"INBOX", "Spam"},
		folders: map[string][]*normalize.Message{
			"INBOX": {msg("<a@x>", "keep")},
			"Spam":  {msg("<junk@x>", "drop")},
		},
	}

	progress, err := testEngine(st, gw).SyncAccount(context.Background(), acc, prov, nil)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if progress.Processed != 1 {
		t.Errorf("processed = %d, excluded folder leaked", progress.Processed)
	}
}

func TestSyncAccountLocalRetention(t *testing.T) {
	st := newFakeStore()
	st.retention = []int64{10, 11, 12}
	gw := newFakeGateway()
	acc := account()
	acc.LocalRetentionDays = sql.NullInt32{Int32: 30, Valid: true}
	prov := &fakeProvider{order: []string{"INBOX"}}

	progress, err := testEngine(st, gw).SyncAccount(context.Background(), acc, prov, nil)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if progress.Deleted != 3 || len(st.deleted) != 3 {
		t.Errorf("deleted = %d (store %v)", progress.Deleted, st.deleted)
	}
}

func TestFullResyncResetsWatermark(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	acc := account()
	acc.LastSync = time.Now()
	prov := &fakeProvider{order: []string{"INBOX"}}

	if _, err := testEngine(st, gw).FullResync(context.Background(), acc, prov, nil); err != nil {
		t.Fatalf("FullResync: %v", err)
	}
	if len(prov.sinceLog) != 1 || !prov.sinceLog[0].IsZero() {
		t.Errorf("full resync should fetch from the epoch, since = %v", prov.sinceLog)
	}
}
