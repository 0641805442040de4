// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package cache implements the tiered image cache: a bounded in-memory
// hot tier over a durable store, with write-behind persistence and
// size-triggered consolidation.
package cache

import (
	"crypto/md5" //nolint:gosec // content addressing, not security
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"
)

// Entry is one cached image. Content and metadata are immutable after
// construction; only the last-accessed stamp changes, and it is safe to
// update concurrently.
type Entry struct {
	Key          string
	ContentType  string
	Content      []byte
	LastModified time.Time

	lastAccessed atomic.Int64 // unix nanoseconds
}

// NewEntry constructs an entry stamped with the given access time.
func NewEntry(key, contentType string, content []byte, lastModified, accessed time.Time) *Entry {
	e := &Entry{
		Key:          key,
		ContentType:  contentType,
		Content:      content,
		LastModified: lastModified,
	}
	e.lastAccessed.Store(accessed.UnixNano())
	return e
}

// Size is the content length in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Content))
}

// LastAccessed returns the most recent access stamp.
func (e *Entry) LastAccessed() time.Time {
	return time.Unix(0, e.lastAccessed.Load())
}

// Touch advances the access stamp to t. Stamps only move forward, so
// racing readers cannot roll recency back.
func (e *Entry) Touch(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := e.lastAccessed.Load()
		if cur >= ns {
			return
		}
		if e.lastAccessed.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// ContentKey derives the cache key for a canonical image path: the MD5
// digest as 32 uppercase hex characters. The same image always maps to
// the same key regardless of token prefix or request method.
func ContentKey(path string) string {
	sum := md5.Sum([]byte(path)) //nolint:gosec // content addressing
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CanonicalPath builds the canonical image path used for both key
// derivation and upstream fetches.
func CanonicalPath(dataSaver bool, chapterID, file string) string {
	if dataSaver {
		return "/data-saver/" + chapterID + "/" + file
	}
	return "/data/" + chapterID + "/" + file
}
