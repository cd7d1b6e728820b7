// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package notifierclient implements the client side of the notifier's
// line-oriented, message-id-multiplexed protocol: a single persistent
// TCP connection over which the dispatcher asks "what transaction
// comes next", sends keepalives, and learns the authoritative schema
// generation.
//
// Wire format: each request is a block of "Key: value" lines
// terminated by a blank line, tagged with a MSGID that the matching
// reply echoes back. A request looks like:
//
//	MSGID: 7
//	GET_ID
//	ID: 104830
//
// and its reply either carries just the id (the modern protocol) or
// the id plus dn/command (the legacy protocol the dispatcher falls
// back to a directory lookup without):
//
//	MSGID: 7
//	ID: 104831
//
//	MSGID: 7
//	ID: 104831
//	DN: cn=alice,dc=example,dc=com
//	COMMAND: m
//
// Replies are demultiplexed by MSGID against a table of pending
// requests; a reply whose MSGID has no pending entry is dropped with
// a warning (a stale reply from before a reconnect, or protocol
// desync).
package notifierclient

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/univention/directory-listener/lib/clock"
	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/retry"
	"github.com/univention/directory-listener/lib/txlog"
)

// NextID is the reply to GetNextID. DN and Command are set only under
// the legacy protocol; under the modern protocol the dispatcher must
// fetch them from the directory client's change log.
type NextID struct {
	ID      uint64
	DN      dn.DN
	Command txlog.Command
	// HasDetails is true when DN/Command were supplied inline (legacy
	// protocol reply).
	HasDetails bool
}

// ErrFatal wraps a notifier error that will not heal by retrying
// (e.g. the requested id is below the notifier's retention window).
type ErrFatal struct{ Err error }

func (e *ErrFatal) Error() string { return fmt.Sprintf("notifierclient: fatal: %v", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// Config holds the parameters for a Client.
type Config struct {
	// Address is the notifier's host:port.
	Address string
	// MaxAttempts bounds reconnect attempts; 0 means unlimited.
	MaxAttempts int
	// Clock drives retry backoff. Defaults to clock.Real() if nil.
	Clock clock.Clock
	// Logger receives connection lifecycle events.
	Logger *slog.Logger
	// DialTimeout bounds a single connection attempt. Defaults to 30s.
	DialTimeout time.Duration
}

// Client is a single-connection notifier client. Not safe for
// concurrent use by more than one goroutine issuing requests, matching
// the listener's single-control-flow pipeline; the internal read loop
// is the only other goroutine and only ever delivers to pending
// requests, never originates one.
type Client struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	nextMsgID uint64
	pending   map[uint64]chan reply
}

type reply struct {
	lines []string
	err   error
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
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, clk: clk, logger: logger, pending: make(map[uint64]chan reply)}
}

// classifyTransient maps errors to the retry package's outcome
// vocabulary: an ErrFatal anywhere in the error chain is Fatal and
// stops retrying; every other error (the connection dropped or never
// came up, or a reply could not be parsed) is Transient.
func classifyTransient(err error) retry.Outcome {
	if err == nil {
		return retry.OK
	}
	var fatal *ErrFatal
	if asFatal(err, &fatal) {
		return retry.Fatal
	}
	return retry.Transient
}

func asFatal(err error, target **ErrFatal) bool {
	for err != nil {
		if f, ok := err.(*ErrFatal); ok {
			*target = f
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

// ensureConnected dials and completes the connection handshake if
// there is no live connection, retrying with the package's standard
// exponential backoff.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}
	return retry.Do(ctx, c.clk, policy, classifyTransient, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			c.logger.Warn("notifier connect failed", "address", c.cfg.Address, "error", err)
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		c.nextMsgID = 0
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		c.logger.Info("notifier connected", "address", c.cfg.Address)
		go c.readLoop(conn, c.reader)
		return nil
	})
}

// readLoop demultiplexes replies by MSGID and delivers them to the
// pending request's channel. It exits (and marks the connection dead)
// on any I/O error or protocol desync.
func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		msgID, lines, err := readBlock(reader)
		if err != nil {
			c.logger.Warn("notifier connection lost", "error", err)
			c.dropConnection(conn)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[msgID]
		if ok {
			delete(c.pending, msgID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("notifier reply for unknown msgid dropped", "msgid", msgID)
			continue
		}
		ch <- reply{lines: lines}
	}
}

func (c *Client) dropConnection(dead net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != dead {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.reader = nil
	for id, ch := range c.pending {
		ch <- reply{err: fmt.Errorf("notifierclient: connection closed")}
		delete(c.pending, id)
	}
}

// readBlock reads one "Key: value" block terminated by a blank line
// and returns the block's MSGID and its remaining lines.
func readBlock(reader *bufio.Reader) (msgID uint64, lines []string, err error) {
	var block []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		block = append(block, line)
	}
	if len(block) == 0 {
		return 0, nil, fmt.Errorf("notifierclient: empty reply block")
	}

	first := block[0]
	const prefix = "MSGID:"
	if !strings.HasPrefix(first, prefix) {
		return 0, nil, fmt.Errorf("notifierclient: reply missing MSGID, got %q", first)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(first[len(prefix):]), 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("notifierclient: parsing MSGID %q: %w", first, err)
	}
	return id, block[1:], nil
}

// request sends a command block with a freshly allocated MSGID and
// waits for the matching reply (or ctx cancellation). The connection
// must already be established by the caller.
func (c *Client) request(ctx context.Context, command string) ([]string, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("notifierclient: not connected")
	}
	c.nextMsgID++
	msgID := c.nextMsgID
	ch := make(chan reply, 1)
	c.pending[msgID] = ch
	conn := c.conn
	c.mu.Unlock()

	block := fmt.Sprintf("MSGID: %d\n%s\n\n", msgID, command)
	if _, err := conn.Write([]byte(block)); err != nil {
		c.dropConnection(conn)
		return nil, fmt.Errorf("notifierclient: writing request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.lines, nil
	}
}

func findField(lines []string, key string) (string, bool) {
	prefix := key + ":"
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// GetNextID asks the notifier for the transaction that follows id, and
// reissues the same request transparently across a reconnect —
// stale replies addressed to a prior connection are discarded by the
// MSGID bookkeeping, never delivered as this call's result.
func (c *Client) GetNextID(ctx context.Context, id uint64) (NextID, error) {
	var result NextID
	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}

	err := retry.Do(ctx, c.clk, policy, classifyTransient, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}

		lines, err := c.request(ctx, fmt.Sprintf("GET_ID\nID: %d", id))
		if err != nil {
			return err
		}

		idField, ok := findField(lines, "ID")
		if !ok {
			return fmt.Errorf("notifierclient: GET_ID reply missing ID field")
		}
		gotID, err := strconv.ParseUint(idField, 10, 64)
		if err != nil {
			return fmt.Errorf("notifierclient: parsing ID field %q: %w", idField, err)
		}

		result = NextID{ID: gotID}
		if dnField, ok := findField(lines, "DN"); ok {
			result.DN = dn.Canonicalize(dnField)
			if cmdField, ok := findField(lines, "COMMAND"); ok && len(cmdField) == 1 {
				result.Command = txlog.Command(cmdField[0])
			}
			result.HasDetails = true
		}
		return nil
	})
	if err != nil {
		return NextID{}, err
	}
	return result, nil
}

// Alive sends the notifier keepalive. Called by the dispatcher when
// the pipeline has been idle past the configured threshold.
func (c *Client) Alive(ctx context.Context) error {
	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}
	return retry.Do(ctx, c.clk, policy, classifyTransient, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		_, err := c.request(ctx, "ALIVE")
		return err
	})
}

// GetSchemaID returns the notifier's current authoritative schema
// generation.
func (c *Client) GetSchemaID(ctx context.Context) (uint64, error) {
	var schemaID uint64
	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts}

	err := retry.Do(ctx, c.clk, policy, classifyTransient, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		lines, err := c.request(ctx, "GET_SCHEMA_ID")
		if err != nil {
			return err
		}
		field, ok := findField(lines, "SCHEMA_ID")
		if !ok {
			return fmt.Errorf("notifierclient: GET_SCHEMA_ID reply missing SCHEMA_ID field")
		}
		schemaID, err = strconv.ParseUint(field, 10, 64)
		if err != nil {
			return fmt.Errorf("notifierclient: parsing SCHEMA_ID field %q: %w", field, err)
		}
		return nil
	})
	return schemaID, err
}

// Connected reports whether the client currently holds an open
// connection to the notifier, for status reporting.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return err
}
