// Package provider defines the capability surface a mailbox provider
// adapter exposes to the sync engine and the restore/retention jobs.
package provider

import (
	"context"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// MessageHandler receives each fetched message in provider order. Returning
// an error counts the message as failed but does not abort the folder.
type MessageHandler func(msg *normalize.Message) error

// ArchivedFunc reports whether a fingerprint exists in the archive for the
// account being processed. Retention deletes are gated on it: a remote
// message is never deleted unless its archive row exists.
type ArchivedFunc func(ctx context.Context, fingerprint string) (bool, error)

// Provider is a connected mailbox adapter for one account.
type Provider interface {
	// TestConnection verifies connectivity and authentication.
	TestConnection(ctx context.Context) error

	// ListFolders enumerates all selectable folders by full name.
	ListFolders(ctx context.Context) ([]string, error)

	// FetchFolder streams the folder's messages changed since the
	// watermark through handle, in server order.
	FetchFolder(ctx context.Context, folder string, since time.Time, handle MessageHandler) error

	// DeleteOldEmails removes remote messages older than cutoff whose
	// fingerprint is archived. Returns the number deleted.
	DeleteOldEmails(ctx context.Context, cutoff time.Time, archived ArchivedFunc) (int, error)

	// RestoreOne writes one archived email back to the named folder.
	RestoreOne(ctx context.Context, email *store.Email, folder string) error

	// RestoreMany restores a batch over a shared connection, reporting
	// progress after each email. Returns success and failure counts.
	RestoreMany(ctx context.Context, emails []*store.Email, folder string, report func(done, failed int)) (int, int, error)

	// Close releases the connection.
	Close() error
}
