// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package control speaks to the control server: login, heartbeat,
// logout, and the settings document the node runs under.
package control

import (
	"encoding/base64"
	"fmt"
)

// TokenKey is the shared 32-byte secretbox key, delivered base64-encoded.
type TokenKey [32]byte

// UnmarshalJSON decodes the base64 key and rejects any other length.
func (k *TokenKey) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("token_key: not a JSON string")
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return fmt.Errorf("token_key: %w", err)
	}
	if len(decoded) != len(k) {
		return fmt.Errorf("token_key: got %d bytes, want %d", len(decoded), len(k))
	}
	copy(k[:], decoded)
	return nil
}

// MarshalJSON emits the key back in its base64 wire form.
func (k TokenKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + base64.StdEncoding.EncodeToString(k[:]) + `"`), nil
}

// Bytes returns the key in the form secretbox wants.
func (k *TokenKey) Bytes() *[32]byte {
	return (*[32]byte)(k)
}

// TLSCertificate is the serving certificate material issued by the
// control server, PEM-encoded.
type TLSCertificate struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
	CreatedAt   string `json:"created_at"`
}

// Equal compares certificate material by content. The issue stamp is
// ignored: a re-sent identical certificate must not bounce the listener.
func (t *TLSCertificate) Equal(other *TLSCertificate) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Certificate == other.Certificate && t.PrivateKey == other.PrivateKey
}

// RemoteSettings is the operating document the control server returns
// on every ping. TLS is nil when the material is unchanged since the
// stamp the node reported.
type RemoteSettings struct {
	URL         string          `json:"url"`
	ImageServer string          `json:"image_server"`
	TokenKey    TokenKey        `json:"token_key"`
	Compromised bool            `json:"compromised"`
	Paused      bool            `json:"paused"`
	ForceTokens bool            `json:"force_tokens"`
	LatestBuild int             `json:"latest_build"`
	TLS         *TLSCertificate `json:"tls"`
}
