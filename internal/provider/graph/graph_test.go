package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		config:  &Config{UserPrincipalName: "user@contoso.com", BatchSize: 10},
		http:    srv.Client(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		baseURL: srv.URL,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListFoldersDescendsChildren(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@contoso.com/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "f-inbox", "displayName": "Inbox", "childFolderCount": 1},
			{"id": "f-sent", "displayName": "Sent Items", "childFolderCount": 0},
		}})
	})
	mux.HandleFunc("/users/user@contoso.com/mailFolders/f-inbox/childFolders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "f-sub", "displayName": "Receipts", "childFolderCount": 0},
		}})
	})

	c := testClient(t, mux)
	names, err := c.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	want := []string{"Inbox", "Inbox/Receipts", "Sent Items"}
	if len(names) != len(want) {
		t.Fatalf("folders = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("folders[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if c.folderIDs["Inbox/Receipts"] != "f-sub" {
		t.Errorf("child folder id not cached: %v", c.folderIDs)
	}
}

func TestFetchFolderFollowsNextLink(t *testing.T) {
	var attachmentCalls int
	mux := http.NewServeMux()

	page2 := "" // set once the server URL is known

	mux.HandleFunc("/users/user@contoso.com/mailFolders/f1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"value": []map[string]any{{
				"id": "m1", "subject": "first",
				"internetMessageId":    "<m1@contoso.com>",
				"sentDateTime":         "2024-05-01T10:00:00Z",
				"receivedDateTime":     "2024-05-01T10:00:05Z",
				"lastModifiedDateTime": "2024-05-01T10:00:05Z",
				"body":                 map[string]string{"contentType": "html", "content": "<p>hi</p>"},
			}},
			"@odata.nextLink": page2,
		})
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"value": []map[string]any{{
				"id": "m2", "subject": "second",
				"internetMessageId":    "<m2@contoso.com>",
				"sentDateTime":         "2024-05-02T10:00:00Z",
				"lastModifiedDateTime": "2024-05-02T10:00:00Z",
				"body":                 map[string]string{"contentType": "text", "content": "plain"},
			}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/attachments") {
			attachmentCalls++
			writeJSON(w, map[string]any{"value": []any{}})
			return
		}
		http.NotFound(w, r)
	})

	c := testClient(t, mux)
	page2 = c.baseURL + "/page2"
	c.folderIDs = map[string]string{"Inbox": "f1"}

	var got []*normalize.Message
	err := c.FetchFolder(context.Background(), "Inbox", time.Time{}, func(msg *normalize.Message) error {
		got = append(got, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("FetchFolder: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[0].MessageID != "<m1@contoso.com>" || got[0].BodyHTML != "<p>hi</p>" {
		t.Errorf("first message: %+v", got[0])
	}
	if got[1].BodyText != "plain" {
		t.Errorf("second message body: %q", got[1].BodyText)
	}
	if attachmentCalls != 2 {
		t.Errorf("attachments fetched %d times, want 2 (always fetched)", attachmentCalls)
	}
}

func TestFetchFolderClientSideFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@contoso.com/mailFolders/f1/messages", func(w http.ResponseWriter, r *http.Request) {
		// The server ignores $filter and returns both old and new mail.
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "old", "internetMessageId": "<old@c>", "lastModifiedDateTime": "2020-01-01T00:00:00Z",
				"body": map[string]string{"contentType": "text", "content": "x"}},
			{"id": "new", "internetMessageId": "<new@c>", "lastModifiedDateTime": "2024-06-01T00:00:00Z",
				"body": map[string]string{"contentType": "text", "content": "y"}},
		}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/attachments") {
			writeJSON(w, map[string]any{"value": []any{}})
			return
		}
		http.NotFound(w, r)
	})

	c := testClient(t, mux)
	c.folderIDs = map[string]string{"Inbox": "f1"}

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	err := c.FetchFolder(context.Background(), "Inbox", since, func(msg *normalize.Message) error {
		ids = append(ids, msg.MessageID)
		return nil
	})
	if err != nil {
		t.Fatalf("FetchFolder: %v", err)
	}
	if len(ids) != 1 || ids[0] != "<new@c>" {
		t.Errorf("client-side filter failed: %v", ids)
	}
}

func TestDeleteOldEmailsGatedOnArchive(t *testing.T) {
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@contoso.com/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "g1", "internetMessageId": "<archived@c>"},
			{"id": "g2", "internetMessageId": "<unarchived@c>"},
		}})
	})
	mux.HandleFunc("/users/user@contoso.com/messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = append(deleted, strings.TrimPrefix(r.URL.Path, "/users/user@contoso.com/messages/"))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	c := testClient(t, mux)
	n, err := c.DeleteOldEmails(context.Background(), time.Now(),
		func(ctx context.Context, fp string) (bool, error) {
			return fp == "<archived@c>", nil
		})
	if err != nil {
		t.Fatalf("DeleteOldEmails: %v", err)
	}
	if n != 1 || len(deleted) != 1 || deleted[0] != "g1" {
		t.Errorf("deleted = %v (n=%d), want only g1", deleted, n)
	}
}

func TestRestoreOnePostsInlineFirst(t *testing.T) {
	var order []string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@contoso.com/mailFolders/f1/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg restoreMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("bad restore payload: %v", err)
		}
		if msg.IsRead {
			t.Error("restored message must be unread")
		}
		if len(msg.SingleValueExtendedProperties) != 1 ||
			msg.SingleValueExtendedProperties[0].ID != pidTagMessageFlags {
			t.Errorf("extended property missing: %+v", msg.SingleValueExtendedProperties)
		}
		writeJSON(w, map[string]string{"id": "created-1"})
	})
	mux.HandleFunc("/users/user@contoso.com/messages/created-1/attachments", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var att restoreAttachment
		_ = json.Unmarshal(body, &att)
		order = append(order, att.Name)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "{}")
	})

	c := testClient(t, mux)
	c.folderIDs = map[string]string{"Restored": "f1"}

	email := &store.Email{
		ID:      5,
		Subject: "bring me back",
		From:    "a@contoso.com",
		To:      "b@contoso.com",
		Attachments: []store.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
			{Filename: "logo.png", ContentType: "image/png", Content: []byte{1},
				ContentID: sql.NullString{String: "logo@cid", Valid: true}},
		},
	}
	if err := c.RestoreOne(context.Background(), email, "Restored"); err != nil {
		t.Fatalf("RestoreOne: %v", err)
	}
	if len(order) != 2 || order[0] != "logo.png" || order[1] != "doc.pdf" {
		t.Errorf("attachment post order = %v, want inline first", order)
	}
}

func TestIsFilterRejection(t *testing.T) {
	if !isFilterRejection(&graphError{Status: 400, Code: "ErrorInvalidRestriction"}) {
		t.Error("ErrorInvalidRestriction not recognized")
	}
	if !isFilterRejection(&graphError{Status: 400, Body: "The restriction or sort order is too complex"}) {
		t.Error("too-complex body not recognized")
	}
	if isFilterRejection(&graphError{Status: 401, Code: "InvalidAuthenticationToken"}) {
		t.Error("auth error misclassified as filter rejection")
	}
}
