package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/store"
)

func TestFingerprintUsesMessageID(t *testing.T) {
	got := Fingerprint("<abc@example.com>", "a@x", "b@x", "hi", time.Now())
	if got != "<abc@example.com>" {
		t.Errorf("got %q, want verbatim Message-ID", got)
	}
}

func TestFingerprintGenerated(t *testing.T) {
	sent := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Fingerprint("", "a@x", "b@x", "hi", sent)
	b := Fingerprint("<>", "a@x", "b@x", "hi", sent)
	if a != b {
		t.Errorf("generated fingerprints differ for same inputs: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "generated-") || !strings.HasSuffix(a, "@"+GeneratedFingerprintDomain) {
		t.Errorf("unexpected shape: %q", a)
	}
	other := Fingerprint("", "a@x", "b@x", "hi", sent.Add(time.Second))
	if other == a {
		t.Error("different sent time produced same fingerprint")
	}
}

func TestFolderDetection(t *testing.T) {
	tests := []struct {
		folder string
		sent   bool
		drafts bool
	}{
		{"Sent Items", true, false},
		{"INBOX/Sent", true, false},
		{"Gesendete Elemente", true, false},
		{"Éléments envoyés", true, false},
		{"已发送", true, false},
		{"Drafts", false, true},
		{"Entwürfe", false, true},
		{"INBOX", false, false},
		{"Wysłane", true, false},
	}
	for _, tt := range tests {
		if got := IsSentFolder(tt.folder); got != tt.sent {
			t.Errorf("IsSentFolder(%q) = %v, want %v", tt.folder, got, tt.sent)
		}
		if got := IsDraftsFolder(tt.folder); got != tt.drafts {
			t.Errorf("IsDraftsFolder(%q) = %v, want %v", tt.folder, got, tt.drafts)
		}
	}
}

func TestIsOutgoing(t *testing.T) {
	if !IsOutgoing("Alice <alice@example.com>", "alice@example.com", "INBOX") {
		t.Error("from matching account email should be outgoing")
	}
	if !IsOutgoing("bob@other.com", "alice@example.com", "Sent Items") {
		t.Error("sent folder should be outgoing")
	}
	if IsOutgoing("bob@other.com", "alice@example.com", "Sent Drafts") {
		t.Error("drafts folder must never be outgoing")
	}
	if IsOutgoing("bob@other.com", "alice@example.com", "INBOX") {
		t.Error("incoming mail flagged outgoing")
	}
}

func testAccount() *store.MailAccount {
	return &store.MailAccount{ID: 7, Email: "user@example.com"}
}

func TestNormalizeBasic(t *testing.T) {
	n := New(time.UTC)
	msg := &Message{
		MessageID:  "<m1@example.com>",
		Subject:    "Quarterly report",
		From:       "Bob <bob@other.com>",
		To:         "user@example.com",
		DateHeader: "Mon, 02 Jan 2006 15:04:05 +0000",
		BodyText:   "please find attached",
		RawHeaders: "Subject: Quarterly report\n",
	}

	email := n.Normalize(testAccount(), msg, "INBOX")

	if email.AccountID != 7 {
		t.Errorf("account id = %d", email.AccountID)
	}
	if email.MessageID != "<m1@example.com>" {
		t.Errorf("fingerprint = %q", email.MessageID)
	}
	if email.IsOutgoing {
		t.Error("incoming message flagged outgoing")
	}
	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)
	if !email.SentDate.Equal(want) {
		t.Errorf("sent date = %v, want %v", email.SentDate, want)
	}
	if email.OriginalPlainBytes != nil {
		t.Error("original bytes set without truncation or NUL")
	}
	if !email.RawHeaders.Valid {
		t.Error("raw headers not stored")
	}
}

func TestNormalizePreservesOriginalOnNUL(t *testing.T) {
	n := New(time.UTC)
	msg := &Message{
		MessageID: "<m2@example.com>",
		BodyText:  "before\x00after",
	}
	email := n.Normalize(testAccount(), msg, "INBOX")
	if strings.Contains(email.Body, "\x00") {
		t.Error("NUL survived cleaning")
	}
	if string(email.OriginalPlainBytes) != "before\x00after" {
		t.Errorf("original bytes = %q", email.OriginalPlainBytes)
	}
}

func TestNormalizePreservesOriginalOnTruncation(t *testing.T) {
	n := New(time.UTC)
	long := strings.Repeat("lorem ipsum ", 60_000) // ~720 KiB
	msg := &Message{MessageID: "<m3@example.com>", BodyText: long}
	email := n.Normalize(testAccount(), msg, "INBOX")
	if len(email.Body) > MaxBodyBytes {
		t.Errorf("body %d bytes, want <= %d", len(email.Body), MaxBodyBytes)
	}
	if string(email.OriginalPlainBytes) != long {
		t.Error("original body bytes not preserved")
	}
	if !strings.HasSuffix(email.Body, truncationSentinel) {
		t.Error("missing truncation sentinel")
	}
}

// Worst case: every field over its cap. The combined searchable bytes must
// stay under the index budget.
func TestNormalizeSearchableBudget(t *testing.T) {
	n := New(time.UTC)
	msg := &Message{
		MessageID: "<m4@example.com>",
		Subject:   strings.Repeat("s", 60*1024),
		From:      strings.Repeat("f", 20*1024),
		To:        strings.Repeat("t", 60*1024),
		Cc:        strings.Repeat("c", 60*1024),
		Bcc:       strings.Repeat("b", 60*1024),
		BodyText:  strings.Repeat("body words ", 60_000),
	}
	email := n.Normalize(testAccount(), msg, "INBOX")
	if len(email.Subject) > MaxSubjectBytes {
		t.Errorf("subject %d bytes over cap", len(email.Subject))
	}
	if len(email.From) > MaxFromBytes {
		t.Errorf("from %d bytes over cap", len(email.From))
	}
	total := len(email.Subject) + len(email.From) + len(email.To) +
		len(email.Cc) + len(email.Bcc) + len(email.Body)
	if total > MaxSearchableBytes {
		t.Errorf("searchable total %d bytes, want <= %d", total, MaxSearchableBytes)
	}
	if email.OriginalPlainBytes == nil {
		t.Error("capped body must preserve original bytes")
	}
}

func TestNormalizeDisplayZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	n := New(loc)
	msg := &Message{
		MessageID:  "<m5@example.com>",
		DateHeader: "Mon, 02 Jan 2006 15:04:05 +0000",
	}
	email := n.Normalize(testAccount(), msg, "INBOX")
	if email.SentDate.Location().String() != "Europe/Berlin" {
		t.Errorf("sent date zone = %v", email.SentDate.Location())
	}
}

func TestNormalizeAttachments(t *testing.T) {
	n := New(time.UTC)
	msg := &Message{
		MessageID: "<m6@example.com>",
		Attachments: []Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
			{Filename: "logo.png", ContentType: "image/png", ContentID: "logo@cid", Content: []byte{1, 2}, IsInline: true},
		},
	}
	email := n.Normalize(testAccount(), msg, "INBOX")
	if !email.HasAttachments || len(email.Attachments) != 2 {
		t.Fatalf("attachments = %d", len(email.Attachments))
	}
	if email.Attachments[0].ContentID.Valid {
		t.Error("regular attachment has content id")
	}
	if !email.Attachments[1].ContentID.Valid || email.Attachments[1].ContentID.String != "logo@cid" {
		t.Errorf("inline content id = %+v", email.Attachments[1].ContentID)
	}
	if email.Attachments[1].Size != 2 {
		t.Errorf("size = %d", email.Attachments[1].Size)
	}
}
