package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/search"
)

// SearchPredicate describes one archive search.
type SearchPredicate struct {
	Query *search.Query

	// AccountID restricts the search to one account.
	AccountID *int64

	// AllowedAccountIDs is the caller's visibility set. nil means
	// unrestricted; a non-nil empty set short-circuits to zero results.
	AllowedAccountIDs []int64

	// DateFrom/DateTo bound sent_date. DateTo is inclusive to the last
	// second of the specified day.
	DateFrom *time.Time
	DateTo   *time.Time

	// Outgoing filters by direction when non-nil.
	Outgoing *bool

	// Folder filters by exact folder name when non-empty.
	Folder string

	OrderBy    string // one of the orderColumns whitelist; default sent_date
	Descending bool

	Skip int
	Take int // capped at 1000
}

// maxSearchTake is the hard cap on page size.
const maxSearchTake = 1000

// searchVector is the indexed tsvector expression. It must match the GIN
// index definition in schema.sql exactly or the planner will not use it.
const searchVector = `to_tsvector('simple',
	coalesce(subject, '') || ' ' || coalesce(body, '') || ' ' ||
	coalesce("from", '') || ' ' || coalesce("to", '') || ' ' ||
	coalesce(cc, '') || ' ' || coalesce(bcc, ''))`

// orderColumns is the ORDER BY whitelist. Values are the SQL column
// expressions; keys are the caller-facing names.
var orderColumns = map[string]string{
	"sent_date":     "sent_date",
	"received_date": "received_date",
	"subject":       "subject",
	"from":          `"from"`,
	"folder":        "folder_name",
	"id":            "id",
}

// phraseColumns are the six searchable columns for phrase predicates.
var phraseColumns = []string{`subject`, `body`, `"from"`, `"to"`, `cc`, `bcc`}

// fieldColumn maps a query-language field name to its SQL column.
var fieldColumn = map[string]string{
	"subject": "subject",
	"body":    "body",
	"from":    `"from"`,
	"to":      `"to"`,
}

// whereBuilder accumulates AND-ed clauses with $n placeholders.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, args ...interface{}) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) where() string {
	if len(w.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(w.clauses, " AND ")
}

// buildSearchWhere builds the shared WHERE clause for count and data
// queries. When useTsQuery is false, bare terms use ILIKE instead of the
// full-text index (the fallback path).
func buildSearchWhere(pred *SearchPredicate, useTsQuery bool) (string, []interface{}) {
	w := &whereBuilder{}

	if pred.AccountID != nil {
		w.add(`mail_account_id = ?`, *pred.AccountID)
	}
	if pred.AllowedAccountIDs != nil {
		if len(pred.AllowedAccountIDs) == 0 {
			// Enforced server-side: an empty allowed set yields nothing.
			w.add(`FALSE`)
			return w.where(), w.args
		}
		placeholders := make([]string, len(pred.AllowedAccountIDs))
		args := make([]interface{}, len(pred.AllowedAccountIDs))
		for i, id := range pred.AllowedAccountIDs {
			placeholders[i] = "?"
			args[i] = id
		}
		w.add(`mail_account_id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	}
	if pred.DateFrom != nil {
		w.add(`sent_date >= ?`, *pred.DateFrom)
	}
	if pred.DateTo != nil {
		// Inclusive to the last second of the specified day.
		end := time.Date(pred.DateTo.Year(), pred.DateTo.Month(), pred.DateTo.Day(),
			23, 59, 59, 0, pred.DateTo.Location())
		w.add(`sent_date <= ?`, end)
	}
	if pred.Outgoing != nil {
		w.add(`is_outgoing = ?`, *pred.Outgoing)
	}
	if pred.Folder != "" {
		w.add(`folder_name = ?`, pred.Folder)
	}

	if q := pred.Query; q != nil {
		if len(q.Terms) > 0 {
			if useTsQuery {
				if ts := search.SanitizeTsQuery(q.Terms); ts != "" {
					w.add(searchVector+` @@ to_tsquery('simple', ?)`, ts)
				}
			} else {
				for _, term := range q.Terms {
					var parts []string
					var args []interface{}
					for _, col := range phraseColumns {
						parts = append(parts, col+` ILIKE ?`)
						args = append(args, "%"+term+"%")
					}
					w.add(`(`+strings.Join(parts, " OR ")+`)`, args...)
				}
			}
		}

		for _, phrase := range q.Phrases {
			var parts []string
			var args []interface{}
			for _, col := range phraseColumns {
				parts = append(parts, `POSITION(LOWER(?) IN LOWER(COALESCE(`+col+`, ''))) > 0`)
				args = append(args, phrase)
			}
			w.add(`(`+strings.Join(parts, " OR ")+`)`, args...)
		}

		for _, fp := range q.Fields {
			col, ok := fieldColumn[fp.Field]
			if !ok {
				continue
			}
			w.add(`POSITION(LOWER(?) IN LOWER(COALESCE(`+col+`, ''))) > 0`, fp.Value)
		}
	}

	return w.where(), w.args
}

// orderClause returns the validated ORDER BY clause for a predicate.
func orderClause(pred *SearchPredicate) string {
	col, ok := orderColumns[pred.OrderBy]
	if !ok {
		col = "sent_date"
	}
	dir := "ASC"
	if pred.Descending {
		dir = "DESC"
	}
	return col + " " + dir + ", id " + dir
}

// clampPage normalizes skip/take to their documented bounds.
func clampPage(pred *SearchPredicate) (skip, take int) {
	skip = pred.Skip
	if skip < 0 {
		skip = 0
	}
	take = pred.Take
	if take <= 0 || take > maxSearchTake {
		take = maxSearchTake
	}
	return skip, take
}

// Search runs the predicate and returns the matching page plus the total
// count for the same WHERE clause. If the tsquery-optimized SQL fails for
// any reason, a semantically equivalent ILIKE query is executed instead.
func (s *Store) Search(ctx context.Context, pred *SearchPredicate) ([]Email, int64, error) {
	rows, total, err := s.searchOnce(ctx, pred, true)
	if err == nil {
		return rows, total, nil
	}

	// Fallback path: some tsquery inputs (or a missing index) can make the
	// optimized query fail; the ILIKE variant returns the same shape.
	rows, total, fbErr := s.searchOnce(ctx, pred, false)
	if fbErr != nil {
		return nil, 0, fmt.Errorf("search failed (optimized: %v): %w", err, fbErr)
	}
	return rows, total, nil
}

func (s *Store) searchOnce(ctx context.Context, pred *SearchPredicate, useTsQuery bool) ([]Email, int64, error) {
	where, args := buildSearchWhere(pred, useTsQuery)
	skip, take := clampPage(pred)

	var total int64
	countQuery := `SELECT COUNT(*) FROM mail_archiver.archived_emails WHERE ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	dataQuery := `SELECT ` + emailColumns + `
		FROM mail_archiver.archived_emails
		WHERE ` + where + `
		ORDER BY ` + orderClause(pred) + `
		OFFSET $` + fmt.Sprint(len(args)+1) + ` LIMIT $` + fmt.Sprint(len(args)+2)
	dataArgs := append(append([]interface{}{}, args...), skip, take)

	var results []Email
	if err := s.db.SelectContext(ctx, &results, dataQuery, dataArgs...); err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	return results, total, nil
}
