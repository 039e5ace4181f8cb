// Package imapcli implements the IMAP provider adapter: connect with TLS
// fallback, robust folder enumeration, incremental fetch, retention delete
// and restore append.
package imapcli

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

const connectTimeout = 30 * time.Second

// Config holds the per-account IMAP connection settings plus the sync
// pacing knobs.
type Config struct {
	Host     string
	Port     int
	UseSSL   bool
	Username string
	Password string

	// IgnoreSelfSigned disables certificate chain and hostname checks.
	IgnoreSelfSigned bool

	BatchSize           int
	PauseBetweenEmails  time.Duration
	PauseBetweenBatches time.Duration
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 50
	}
	return c.BatchSize
}

// clientOptions bounds the TCP connect and applies the self-signed
// relaxation when configured.
func (c *Config) clientOptions() *imapclient.Options {
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: connectTimeout},
	}
	if c.IgnoreSelfSigned {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts
}

// Client is a connected IMAP adapter for one account. Not safe for
// concurrent use beyond its own locking; each job holds its own Client.
type Client struct {
	config *Config
	logger *slog.Logger

	mu       sync.Mutex
	conn     *imapclient.Client
	selected string
	readOnly bool
}

func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: cfg, logger: logger}
}

// connect dials and authenticates. Implicit TLS is tried first; a
// handshake failure falls back to STARTTLS on the same port. Caller holds mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr := c.config.addr()
	opts := c.config.clientOptions()

	var (
		conn *imapclient.Client
		err  error
	)
	if c.config.UseSSL {
		conn, err = imapclient.DialTLS(addr, opts)
		if err != nil {
			c.logger.Debug("implicit TLS failed, retrying with STARTTLS",
				"addr", addr, "error", err)
			conn, err = imapclient.DialStartTLS(addr, opts)
		}
	} else {
		conn, err = imapclient.DialStartTLS(addr, opts)
		if err != nil {
			conn, err = imapclient.DialInsecure(addr, opts)
		}
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	// SASL PLAIN first; GSSAPI/NEGOTIATE are never attempted because they
	// break in minimal runtimes. LOGIN is the fallback.
	authErr := conn.Authenticate(sasl.NewPlainClient("", c.config.Username, c.config.Password))
	if authErr != nil {
		if err := conn.Login(c.config.Username, c.config.Password).Wait(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("IMAP login %s: %w", c.config.Username, err)
		}
	}

	c.conn = conn
	c.selected = ""
	c.logger.Debug("IMAP connected", "addr", addr, "user", c.config.Username)
	return nil
}

// reconnect drops the current connection and dials again. Caller holds mu.
func (c *Client) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.selected = ""
	}
	return c.connect(ctx)
}

// withConn runs fn with an authenticated connection, holding mu.
func (c *Client) withConn(ctx context.Context, fn func(conn *imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	return fn(c.conn)
}

// selectFolder opens a folder, reusing the current selection when the name
// and access mode match. Writes need read-write access. Caller holds mu.
func (c *Client) selectFolder(folder string, readOnly bool) (*imap.SelectData, error) {
	if c.selected == folder && c.readOnly == readOnly {
		return nil, nil
	}
	data, err := c.conn.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("SELECT %q: %w", folder, err)
	}
	c.selected = folder
	c.readOnly = readOnly
	return data, nil
}

// TestConnection verifies connectivity, authentication and INBOX access.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		_, err := conn.Status("INBOX", &imap.StatusOptions{NumMessages: true}).Wait()
		if err != nil {
			return fmt.Errorf("STATUS INBOX: %w", err)
		}
		return nil
	})
}

// ListFolders enumerates selectable folders. Non-standard servers get a
// layered approach: INBOX explicitly, then a recursive namespace LIST,
// then a breadth-first walk of the namespace root when the recursive LIST
// comes back empty or near-empty.
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	set := newFolderSet()
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		// INBOX first: some servers omit it from namespace listings.
		if items, err := conn.List("", "INBOX", nil).Collect(); err == nil {
			for _, item := range items {
				set.add(item)
			}
		}

		prefix := ""
		if ns, err := conn.Namespace().Wait(); err == nil && len(ns.Personal) > 0 {
			prefix = ns.Personal[0].Prefix
		}

		items, err := conn.List(prefix, "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("LIST %q *: %w", prefix, err)
		}
		for _, item := range items {
			set.add(item)
		}

		// Near-empty recursive result means the server mishandles "*";
		// walk one level at a time instead.
		if len(set.names) <= 1 {
			queue := []string{prefix}
			for len(queue) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				dir := queue[0]
				queue = queue[1:]
				children, err := conn.List(dir, "%", nil).Collect()
				if err != nil {
					c.logger.Warn("LIST subfolders failed", "dir", dir, "error", err)
					continue
				}
				for _, item := range children {
					set.add(item)
					delim := string(item.Delim)
					if delim != "" {
						queue = append(queue, item.Mailbox+delim)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set.names, nil
}

// folderSet accumulates selectable mailbox names: NoSelect and
// NonExistent entries are dropped, duplicates fold case-insensitively.
type folderSet struct {
	seen  map[string]bool
	names []string
}

func newFolderSet() *folderSet {
	return &folderSet{seen: make(map[string]bool)}
}

func (s *folderSet) add(item *imap.ListData) {
	if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) ||
		hasAttr(item.Attrs, imap.MailboxAttrNonExistent) {
		return
	}
	key := strings.ToLower(item.Mailbox)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.names = append(s.names, item.Mailbox)
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// Close logs out and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selected = ""
	return conn.Logout().Wait()
}
