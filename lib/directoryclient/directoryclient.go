// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package directoryclient wraps the authoritative directory
// connection: opening and binding with retry, re-fetching entries by
// DN, and looking up change-log details for a transaction id when the
// notifier reply omits them.
//
// The listener never writes to the directory; every operation here is
// a read. Reconnection uses the same lib/retry backoff policy as
// lib/notifierclient, since both are "reopen a persistent upstream
// connection on transient failure" problems with an identical shape.
package directoryclient

import (
	"context"
	"fmt"
	"log/slog"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/univention/directory-listener/lib/clock"
	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
	"github.com/univention/directory-listener/lib/retry"
	"github.com/univention/directory-listener/lib/txlog"
)

// Config holds the parameters for opening a directory connection.
type Config struct {
	// URL is the directory server URL, e.g. "ldap://dc.example.com:389".
	URL string
	// BindDN and BindPassword authenticate the connection. Empty BindDN
	// performs an anonymous bind.
	BindDN       string
	BindPassword string
	// BaseDN roots all searches issued by this client.
	BaseDN string
	// MaxAttempts bounds reconnect attempts; 0 means unlimited.
	MaxAttempts int
	// Clock drives retry backoff. Defaults to clock.Real() if nil.
	Clock clock.Clock
	// Logger receives connection lifecycle events.
	Logger *slog.Logger
}

// Client wraps a single LDAP connection with reconnect-with-backoff
// and the two read operations the dispatcher needs.
type Client struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger
	conn   *goldap.Conn
}

// New creates a client. The connection is established lazily on first
// use.
func New(cfg Config) *Client {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{cfg: cfg, clk: clk, logger: logger}
}

func classify(err error) retry.Outcome {
	if err == nil {
		return retry.OK
	}
	if isServerDown(err) {
		return retry.Transient
	}
	return retry.Fatal
}

// isServerDown reports whether err indicates the directory connection
// itself is unusable, as opposed to a semantic error about the
// specific request (bad DN, bad filter, object not found).
func isServerDown(err error) bool {
	var ldapErr *goldap.Error
	if e, ok := err.(*goldap.Error); ok {
		ldapErr = e
	}
	if ldapErr == nil {
		// Not an LDAP protocol error at all: a dial/network failure.
		return true
	}
	switch ldapErr.ResultCode {
	case goldap.ErrorNetwork, goldap.LDAPResultServerDown, goldap.LDAPResultUnavailable, goldap.LDAPResultBusy:
		return true
	default:
		return false
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosing() {
		return nil
	}

	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}
	return retry.Do(ctx, c.clk, policy, classify, func(ctx context.Context) error {
		conn, err := goldap.DialURL(c.cfg.URL)
		if err != nil {
			c.logger.Warn("directory connect failed", "url", c.cfg.URL, "error", err)
			return err
		}

		if c.cfg.BindDN != "" {
			if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
				conn.Close()
				c.logger.Warn("directory bind failed", "bind_dn", c.cfg.BindDN, "error", err)
				return err
			}
		} else {
			if err := conn.UnauthenticatedBind(""); err != nil {
				conn.Close()
				return err
			}
		}

		c.conn = conn
		c.logger.Info("directory connected", "url", c.cfg.URL)
		return nil
	})
}

// Read fetches the entry at d with all attributes. found is false if
// the entry does not exist. A non-transient LDAP error other than
// NO_SUCH_OBJECT is returned without retrying, wrapped with the DN.
func (c *Client) Read(ctx context.Context, d dn.DN) (e entry.Entry, found bool, err error) {
	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}

	runErr := retry.Do(ctx, c.clk, policy, classify, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}

		req := goldap.NewSearchRequest(
			d.Raw(),
			goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)",
			[]string{"*", "+"},
			nil,
		)

		result, searchErr := c.conn.Search(req)
		if searchErr != nil {
			if ldapErr, ok := searchErr.(*goldap.Error); ok && ldapErr.ResultCode == goldap.LDAPResultNoSuchObject {
				found = false
				return nil
			}
			return searchErr
		}

		if len(result.Entries) == 0 {
			found = false
			return nil
		}

		e = convertEntry(d, result.Entries[0])
		found = true
		return nil
	})
	if runErr != nil {
		return entry.Entry{}, false, fmt.Errorf("directoryclient: read %s: %w", d.String(), runErr)
	}
	return e, found, nil
}

// ReadChange fetches the change-log entry for transaction id, used
// only when the notifier's GET_ID reply omitted dn/command.
func (c *Client) ReadChange(ctx context.Context, id uint64) (d dn.DN, command txlog.Command, err error) {
	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}

	runErr := retry.Do(ctx, c.clk, policy, classify, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}

		base := fmt.Sprintf("reqSession=%d,cn=translog", id)
		req := goldap.NewSearchRequest(
			base,
			goldap.ScopeBaseObject, goldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)",
			[]string{"reqType", "reqDN"},
			nil,
		)

		result, searchErr := c.conn.Search(req)
		if searchErr != nil {
			return searchErr
		}
		if len(result.Entries) == 0 {
			return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("directoryclient: no change-log entry for transaction %d", id))
		}

		attrs := result.Entries[0]
		d = dn.Canonicalize(attrs.GetAttributeValue("reqDN"))
		command = changeLogCommand(attrs.GetAttributeValue("reqType"))
		return nil
	})
	return d, command, runErr
}

// changeLogCommand maps an OpenLDAP accesslog reqType to the
// transaction command it represents. An unrecognized reqType falls
// back to Modify, the least destructive guess: this is only consulted
// when the notifier's reply omitted its own command byte, and no
// known reqType is as disruptive to treat wrongly as a missed delete.
func changeLogCommand(reqType string) txlog.Command {
	switch reqType {
	case "add":
		return txlog.Add
	case "modify":
		return txlog.Modify
	case "modrdn":
		return txlog.ModRDN
	case "delete":
		return txlog.Delete
	default:
		return txlog.Modify
	}
}

// Connected reports whether the client currently holds an open
// connection to the directory, for status reporting.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.conn.Close()
	c.conn = nil
	return nil
}

func convertEntry(d dn.DN, src *goldap.Entry) entry.Entry {
	e := entry.New(d)
	attrs := make([]entry.Attribute, 0, len(src.Attributes))
	for _, a := range src.Attributes {
		values := make([][]byte, 0, len(a.ByteValues))
		for _, v := range a.ByteValues {
			values = append(values, v)
		}
		attrs = append(attrs, entry.Attribute{Name: a.Name, Values: values})
	}
	e.Attributes = attrs
	return e
}

