package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Provider identifies the wire backend for a mail account.
type Provider string

const (
	ProviderIMAP   Provider = "imap"
	ProviderM365   Provider = "m365"
	ProviderImport Provider = "import"
)

// EpochSentinel is the LastSync value meaning "never synced / full resync".
var EpochSentinel = time.Unix(0, 0).UTC()

// MailAccount is the identity for one archived mailbox.
type MailAccount struct {
	ID                 int64          `db:"id"`
	Name               string         `db:"name"`
	Provider           Provider       `db:"provider"`
	Host               string         `db:"host"`
	Port               int            `db:"port"`
	UseSSL             bool           `db:"use_ssl"`
	Username           string         `db:"username"`
	Password           string         `db:"password"`
	ClientID           string         `db:"client_id"`
	ClientSecret       string         `db:"client_secret"`
	TenantID           string         `db:"tenant_id"`
	Email              string         `db:"email"`
	Enabled            bool           `db:"enabled"`
	ExcludedFolders    pq.StringArray `db:"excluded_folders"`
	DeleteAfterDays    sql.NullInt32  `db:"delete_after_days"`
	LocalRetentionDays sql.NullInt32  `db:"local_retention_days"`
	LastSync           time.Time      `db:"last_sync"`
	CreatedAt          time.Time      `db:"created_at"`
}

// IsFolderExcluded reports whether folder is in the account's excluded set.
// The comparison is case-insensitive on the full folder name.
func (a *MailAccount) IsFolderExcluded(folder string) bool {
	for _, f := range a.ExcludedFolders {
		if strings.EqualFold(f, folder) {
			return true
		}
	}
	return false
}

// UpsertAccount inserts a new account or updates an existing one by ID.
// On insert, the generated ID is written back to acc.ID.
func (s *Store) UpsertAccount(ctx context.Context, acc *MailAccount) error {
	if acc.LastSync.IsZero() {
		acc.LastSync = EpochSentinel
	}
	if acc.ID == 0 {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO mail_archiver.mail_accounts
				(name, provider, host, port, use_ssl, username, password,
				 client_id, client_secret, tenant_id, email, enabled,
				 excluded_folders, delete_after_days, local_retention_days, last_sync)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING id
		`, acc.Name, acc.Provider, acc.Host, acc.Port, acc.UseSSL,
			acc.Username, acc.Password, acc.ClientID, acc.ClientSecret,
			acc.TenantID, acc.Email, acc.Enabled, acc.ExcludedFolders,
			acc.DeleteAfterDays, acc.LocalRetentionDays, acc.LastSync,
		).Scan(&acc.ID)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_archiver.mail_accounts SET
			name = $2, provider = $3, host = $4, port = $5, use_ssl = $6,
			username = $7, password = $8, client_id = $9, client_secret = $10,
			tenant_id = $11, email = $12, enabled = $13, excluded_folders = $14,
			delete_after_days = $15, local_retention_days = $16
		WHERE id = $1
	`, acc.ID, acc.Name, acc.Provider, acc.Host, acc.Port, acc.UseSSL,
		acc.Username, acc.Password, acc.ClientID, acc.ClientSecret,
		acc.TenantID, acc.Email, acc.Enabled, acc.ExcludedFolders,
		acc.DeleteAfterDays, acc.LocalRetentionDays)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

// FindAccount returns the account with the given ID, or nil if not found.
func (s *Store) FindAccount(ctx context.Context, id int64) (*MailAccount, error) {
	var acc MailAccount
	err := s.db.GetContext(ctx, &acc,
		`SELECT * FROM mail_archiver.mail_accounts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account %d: %w", id, err)
	}
	return &acc, nil
}

// FindAccountByEmail returns the account with the given email address.
func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*MailAccount, error) {
	var acc MailAccount
	err := s.db.GetContext(ctx, &acc,
		`SELECT * FROM mail_archiver.mail_accounts WHERE LOWER(email) = LOWER($1)`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account %q: %w", email, err)
	}
	return &acc, nil
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]MailAccount, error) {
	var accounts []MailAccount
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT * FROM mail_archiver.mail_accounts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateLastSync advances the account watermark.
func (s *Store) UpdateLastSync(ctx context.Context, accountID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_archiver.mail_accounts SET last_sync = $2 WHERE id = $1`,
		accountID, t.UTC())
	if err != nil {
		return fmt.Errorf("update last_sync: %w", err)
	}
	return nil
}

// ResetLastSync sets the watermark back to the epoch sentinel so the next
// run performs a full resync.
func (s *Store) ResetLastSync(ctx context.Context, accountID int64) error {
	return s.UpdateLastSync(ctx, accountID, EpochSentinel)
}

// DeleteAccount removes the account row. Emails and attachments must have
// been batch-deleted first; the FK cascade is a backstop, not the fast path.
func (s *Store) DeleteAccount(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mail_archiver.mail_accounts WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", accountID, err)
	}
	return nil
}

// AccountStats summarizes one account for status displays.
type AccountStats struct {
	AccountID  int64     `db:"account_id"`
	Name       string    `db:"name"`
	Email      string    `db:"email"`
	Enabled    bool      `db:"enabled"`
	EmailCount int64     `db:"email_count"`
	LastSync   time.Time `db:"last_sync"`
}

// GetAccountStats returns per-account email counts and sync watermarks.
func (s *Store) GetAccountStats(ctx context.Context) ([]AccountStats, error) {
	var stats []AccountStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT a.id AS account_id, a.name, a.email, a.enabled, a.last_sync,
		       COUNT(e.id) AS email_count
		FROM mail_archiver.mail_accounts a
		LEFT JOIN mail_archiver.archived_emails e ON e.mail_account_id = a.id
		GROUP BY a.id, a.name, a.email, a.enabled, a.last_sync
		ORDER BY a.name, a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}
	return stats, nil
}
