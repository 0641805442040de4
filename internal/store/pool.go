// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/veylan/edgehome/internal/logging"
)

// ErrPoolClosed is returned by Acquire after the pool has shut down.
var ErrPoolClosed = errors.New("store: connection pool is closed")

// Pool hands out pinned database session handles. database/sql's own
// pool moves statements between physical connections freely; pinning a
// *sql.Conn per caller keeps session-scoped pragmas and transactions on
// one handle for the duration of an operation.
//
// Acquire blocks at the configured ceiling until a handle is released.
// Broken handles are destroyed on release instead of being recycled.
type Pool struct {
	db *sql.DB

	mu     sync.Mutex
	idle   []*sql.Conn
	closed bool
}

// NewPool wraps db with a pinned-handle pool of at most maxOpen
// concurrent sessions.
func NewPool(db *sql.DB, maxOpen int) *Pool {
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	// All reuse goes through the pool's own idle list.
	db.SetMaxIdleConns(0)

	return &Pool{db: db}
}

// Acquire returns a session handle, reusing an idle one when available
// and opening a new session otherwise. Blocks when maxOpen handles are
// outstanding until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return conn, nil
}

// Release returns a handle to the pool. A handle whose last operation
// failed with a session-level error is destroyed; everything else goes
// back to the idle list. After Close every returned handle is destroyed.
func (p *Pool) Release(conn *sql.Conn, opErr error) {
	if conn == nil {
		return
	}

	healthy := !isSessionError(opErr)

	p.mu.Lock()
	if p.closed || !healthy {
		p.mu.Unlock()
		if err := conn.Close(); err != nil {
			logging.Debug().Err(err).Msg("closing broken connection")
		}
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close destroys all idle handles and rejects further Acquire calls.
// Handles still held by callers are destroyed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isSessionError reports whether err indicates the session handle
// itself is unusable, as opposed to a row-level failure.
func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "INTERNAL Error")
}
