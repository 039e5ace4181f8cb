package jobs

import (
	"context"
	"fmt"
)

// deleteBatch is the page size for attachment and email deletion.
const deleteBatch = 1000

// DeleteStore is the store surface the account-delete runner needs.
type DeleteStore interface {
	ClearLocksForAccount(ctx context.Context, accountID int64) error
	CountEmailsByAccount(ctx context.Context, accountID int64) (int64, error)
	CountAttachmentsByAccount(ctx context.Context, accountID int64) (int64, error)
	ListEmailIDsByAccount(ctx context.Context, accountID, afterID int64, limit int) ([]int64, error)
	BatchDeleteAttachmentsByEmailIDs(ctx context.Context, emailIDs []int64) error
	BatchDeleteEmails(ctx context.Context, emailIDs []int64) error
	DeleteAccount(ctx context.Context, accountID int64) error
}

// AccountDeleteRunner returns the runner for the account-delete queue. The
// phases are strictly ordered: cancel the account's sync, clear retention
// locks, count the work, delete attachments in batches, delete emails in
// batches, and finally drop the account row.
func AccountDeleteRunner(m *Manager, st DeleteStore) Runner {
	return func(ctx context.Context, job *Job) error {
		payload, ok := job.Payload.(DeletePayload)
		if !ok {
			return fmt.Errorf("account-delete job %s: bad payload %T", job.ID, job.Payload)
		}
		accountID := payload.AccountID

		m.CancelSyncForAccount(accountID)

		if err := st.ClearLocksForAccount(ctx, accountID); err != nil {
			return err
		}

		emails, err := st.CountEmailsByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		attachments, err := st.CountAttachmentsByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		m.logger.Info("account delete started",
			"account_id", accountID, "emails", emails, "attachments", attachments)

		var counters Counters
		afterID := int64(0)
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ids, err := st.ListEmailIDsByAccount(ctx, accountID, afterID, deleteBatch)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				break
			}
			if err := st.BatchDeleteAttachmentsByEmailIDs(ctx, ids); err != nil {
				return err
			}
			if err := st.BatchDeleteEmails(ctx, ids); err != nil {
				return err
			}
			afterID = ids[len(ids)-1]
			counters.Deleted += len(ids)
			counters.Processed = counters.Deleted
			job.SetCounters(counters)
		}

		if int64(counters.Deleted) != emails {
			m.logger.Warn("account delete count drift",
				"account_id", accountID, "expected", emails, "deleted", counters.Deleted)
		}

		return st.DeleteAccount(ctx, accountID)
	}
}
