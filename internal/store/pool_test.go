// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(openTestDB(t), 2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		t.Fatalf("acquired connection unusable: %v", err)
	}
	p.Release(conn, nil)

	// A healthy release is reused, not reopened.
	again, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if again != conn {
		t.Error("healthy connection was not reused")
	}
	p.Release(again, nil)
}

func TestPoolBlocksAtCeiling(t *testing.T) {
	p := NewPool(openTestDB(t), 1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// With the single handle held, a second Acquire must block until
	// the deadline.
	blockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(blockCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire at ceiling returned %v, want deadline exceeded", err)
	}

	p.Release(conn, nil)
	conn2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	p.Release(conn2, nil)
}

func TestPoolDestroysBrokenHandle(t *testing.T) {
	p := NewPool(openTestDB(t), 2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn, sql.ErrConnDone)

	// The broken handle was destroyed, so the next Acquire opens fresh.
	next, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after broken release: %v", err)
	}
	if err := next.PingContext(ctx); err != nil {
		t.Errorf("replacement connection unusable: %v", err)
	}
	p.Release(next, nil)
}

func TestPoolRowErrorKeepsHandle(t *testing.T) {
	p := NewPool(openTestDB(t), 1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn, sql.ErrNoRows)

	again, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again != conn {
		t.Error("row-level error destroyed a healthy handle")
	}
	p.Release(again, nil)
}

func TestPoolClose(t *testing.T) {
	p := NewPool(openTestDB(t), 2)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	idle, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(idle, nil)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close returned %v, want ErrPoolClosed", err)
	}

	// Outstanding handles are destroyed on release, not pooled.
	p.Release(held, nil)
	if err := held.PingContext(ctx); err == nil {
		t.Error("handle still usable after release into closed pool")
	}
}
