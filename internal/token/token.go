// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package token validates request tokens minted by the control plane.
//
// A token is base64url text wrapping a 24-byte nonce followed by a
// NaCl secretbox ciphertext sealed under the shared 32-byte key from
// the control server. The plaintext is a JSON claim naming the chapter
// the token grants access to and when the grant lapses.
package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/nacl/secretbox"
)

// Rejection reasons, in the order the checks run. A token failing an
// earlier check is never reported with a later reason.
var (
	// ErrMalformed covers undecodable, unopenable or unparsable tokens.
	ErrMalformed = errors.New("token: malformed")

	// ErrExpired marks a well-formed token whose grant has lapsed.
	ErrExpired = errors.New("token: expired")

	// ErrInapplicable marks a live token for a different chapter.
	ErrInapplicable = errors.New("token: not valid for this content")
)

const nonceSize = 24

// Claim is the decrypted token payload.
type Claim struct {
	ClientID string    `json:"client_id"`
	IP       string    `json:"ip"`
	Hash     string    `json:"hash"`
	Expires  time.Time `json:"expires"`
}

// Validate checks raw against the shared key and the chapter being
// requested. A zero-length token is accepted as an anonymous request
// (returning a nil Claim) unless forceTokens is set.
//
// The checks run strictly in order: decode, length, decrypt, parse,
// expiry, chapter match.
func Validate(raw, chapterID string, key *[32]byte, forceTokens bool, now time.Time) (*Claim, error) {
	decoded, err := decodeBase64URL(raw)
	if err != nil {
		return nil, ErrMalformed
	}

	if len(decoded) == 0 {
		if forceTokens {
			return nil, ErrMalformed
		}
		return nil, nil
	}
	if len(decoded) < nonceSize {
		return nil, ErrMalformed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], decoded[:nonceSize])

	plaintext, ok := secretbox.Open(nil, decoded[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrMalformed
	}

	var claim Claim
	if err := json.Unmarshal(plaintext, &claim); err != nil {
		return nil, ErrMalformed
	}

	if now.After(claim.Expires) {
		return nil, ErrExpired
	}
	if claim.Hash != chapterID {
		return nil, ErrInapplicable
	}
	return &claim, nil
}

// decodeBase64URL accepts both padded and unpadded base64url.
func decodeBase64URL(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}
