// Package graph implements the Microsoft Graph provider adapter for
// Microsoft 365 accounts: client-credentials auth, folder tree walk, paged
// message fetch with filter de-escalation, retention delete and restore.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBaseURL   = "https://graph.microsoft.com/v1.0"
	tokenTimeout   = 60 * time.Second
	folderPageSize = 100
)

// Config holds the app-registration credentials and the target mailbox.
type Config struct {
	TenantID     string // empty means "common"
	ClientID     string
	ClientSecret string

	// UserPrincipalName addresses the mailbox under /users/{upn}.
	UserPrincipalName string

	BatchSize           int
	PauseBetweenEmails  time.Duration
	PauseBetweenBatches time.Duration
}

func (c *Config) tenant() string {
	if c.TenantID == "" {
		return "common"
	}
	return c.TenantID
}

func (c *Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 50
	}
	return c.BatchSize
}

// Client is a Graph adapter for one mailbox. The underlying HTTP client
// refreshes tokens on demand and may be shared across jobs for the same
// account.
type Client struct {
	config  *Config
	http    *http.Client
	logger  *slog.Logger
	baseURL string

	folderIDs map[string]string // display path -> folder id
}

func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token",
			cfg.tenant()),
		Scopes: []string{"https://graph.microsoft.com/.default"},
	}
	return &Client{
		config:  cfg,
		http:    cc.Client(ctx),
		logger:  logger,
		baseURL: graphBaseURL,
	}
}

// userPath prefixes a resource path with the mailbox address.
func (c *Client) userPath(format string, args ...any) string {
	return "/users/" + c.config.UserPrincipalName + fmt.Sprintf(format, args...)
}

// TestConnection acquires a token and lists one folder.
func (c *Client) TestConnection(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	var resp struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := c.get(tctx, c.userPath("/mailFolders?$top=1"), &resp); err != nil {
		return fmt.Errorf("graph connection test: %w", err)
	}
	return nil
}

// Close satisfies the provider interface; token transport holds no
// resources worth releasing.
func (c *Client) Close() error { return nil }

// graphError carries the HTTP status and Graph error code for the
// de-escalation ladder.
type graphError struct {
	Status int
	Code   string
	Body   string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph API error %d (%s): %s", e.Status, e.Code, e.Body)
}

// isFilterRejection reports whether the server refused the $filter or
// $select combination, which calls for a narrower retry.
func isFilterRejection(err error) bool {
	var ge *graphError
	if !asGraphError(err, &ge) {
		return false
	}
	if ge.Code == "ErrorInvalidRestriction" {
		return true
	}
	s := strings.ToLower(ge.Body)
	return strings.Contains(s, "too complex") || strings.Contains(s, "inefficientfilter")
}

func asGraphError(err error, target **graphError) bool {
	for err != nil {
		if ge, ok := err.(*graphError); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.getURL(ctx, c.baseURL+path, result)
}

// getURL also serves @odata.nextLink values, which are absolute.
func (c *Client) getURL(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ge := &graphError{Status: resp.StatusCode, Body: string(body)}
		var parsed struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			ge.Code = parsed.Error.Code
		}
		return ge
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}
