package mimebuild

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

func archivedFixture() *store.Email {
	return &store.Email{
		ID:        3,
		MessageID: "<fix@example.com>",
		Subject:   "round trip",
		From:      "Alice <alice@example.com>",
		To:        "Bob <bob@example.com>",
		SentDate:  time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Body:      "short body",
		Attachments: []store.Attachment{
			{
				Filename:    "logo.png",
				ContentType: "image/png",
				ContentID:   sql.NullString{String: "logo@cid", Valid: true},
				Content:     []byte{0x89, 'P', 'N', 'G'},
			},
			{
				Filename:    "notes.txt",
				ContentType: "text/plain",
				Content:     []byte("attached notes"),
			},
		},
	}
}

// Restore∘Archive: building and re-parsing preserves identity fields,
// body and inline Content-ID linkage.
func TestBuildRoundTrip(t *testing.T) {
	raw, err := Build(archivedFixture())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	msg, err := normalize.Parse(raw)
	if err != nil {
		t.Fatalf("Parse rebuilt message: %v", err)
	}
	if msg.MessageID != "<fix@example.com>" {
		t.Errorf("message id = %q", msg.MessageID)
	}
	if msg.Subject != "round trip" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.From, "alice@example.com") {
		t.Errorf("from = %q", msg.From)
	}
	if !strings.Contains(msg.BodyText, "short body") {
		t.Errorf("body = %q", msg.BodyText)
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("attachments = %d", len(msg.Attachments))
	}

	var inline *normalize.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].ContentID != "" {
			inline = &msg.Attachments[i]
		}
	}
	if inline == nil || inline.ContentID != "logo@cid" {
		t.Errorf("inline content id lost: %+v", inline)
	}
}

func TestBuildPrefersOriginalBytes(t *testing.T) {
	e := archivedFixture()
	e.Body = "capped\n[content truncated]"
	e.OriginalPlainBytes = []byte("the complete original body text")

	raw, err := Build(e)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(string(raw), "the complete original body text") {
		t.Error("original bytes not used")
	}
}

func TestBuildUnparseableAddresses(t *testing.T) {
	e := archivedFixture()
	e.From = "totally broken <<<header"
	e.To = ""

	raw, err := Build(e)
	if err != nil {
		t.Fatalf("Build should degrade, got: %v", err)
	}
	if !strings.Contains(string(raw), fallbackDomain) {
		t.Error("fallback address missing")
	}
}

func TestBuildBracketsBareMessageID(t *testing.T) {
	e := archivedFixture()
	e.MessageID = "bare@example.com"
	raw, err := Build(e)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(string(raw), "<bare@example.com>") {
		t.Error("Message-ID not bracketed")
	}
}
