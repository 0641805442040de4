// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package control

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/veylan/edgehome/internal/config"
)

// controlServer is a scriptable stand-in for the control plane.
type controlServer struct {
	mu        sync.Mutex
	pings     []pingRequest
	stops     int
	respond   func(n int) RemoteSettings
	failPings bool
}

func (cs *controlServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()

		if cs.failPings {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req pingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cs.pings = append(cs.pings, req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cs.respond(len(cs.pings)))
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, _ *http.Request) {
		cs.mu.Lock()
		cs.stops++
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func testSettings(int) RemoteSettings {
	return RemoteSettings{
		ImageServer: "https://upstream.example",
		LatestBuild: BuildVersion,
		TLS: &TLSCertificate{
			Certificate: "CERT-A",
			PrivateKey:  "KEY-A",
			CreatedAt:   "2026-01-01T00:00:00Z",
		},
	}
}

func newTestClient(t *testing.T, cs *controlServer) *Client {
	t.Helper()
	srv := httptest.NewServer(cs.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.ControlServer = srv.URL
	cfg.Secret = "testsecret"
	cfg.Port = 44300
	cfg.ExternalPort = 8443
	return NewClient(cfg)
}

func TestLoginAdoptsSettings(t *testing.T) {
	cs := &controlServer{respond: testSettings}
	c := newTestClient(t, cs)

	if _, err := c.Settings(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("pre-login Settings: %v, want ErrNotLoggedIn", err)
	}

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	rs, err := c.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if rs.ImageServer != "https://upstream.example" {
		t.Errorf("image server = %q", rs.ImageServer)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.pings) != 1 {
		t.Fatalf("server saw %d pings", len(cs.pings))
	}
	ping := cs.pings[0]
	if ping.Secret != "testsecret" {
		t.Errorf("ping secret = %q", ping.Secret)
	}
	if ping.Port != 8443 {
		t.Errorf("ping port = %d, want external 8443", ping.Port)
	}
	if ping.BuildVersion != BuildVersion {
		t.Errorf("ping build = %d", ping.BuildVersion)
	}
	if ping.TLSCreatedAt != "" {
		t.Errorf("first ping carried tls_created_at %q", ping.TLSCreatedAt)
	}
}

func TestLoginFailsOnServerError(t *testing.T) {
	cs := &controlServer{respond: testSettings, failPings: true}
	c := newTestClient(t, cs)

	if err := c.Login(context.Background()); err == nil {
		t.Fatal("Login succeeded against failing server")
	}
	if _, err := c.Settings(); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Settings after failed login: %v, want ErrNotLoggedIn", err)
	}
}

func TestLoginRequiresTLSMaterial(t *testing.T) {
	cs := &controlServer{respond: func(n int) RemoteSettings {
		rs := testSettings(n)
		rs.TLS = nil
		return rs
	}}
	c := newTestClient(t, cs)

	if err := c.Login(context.Background()); err == nil {
		t.Fatal("Login accepted a document without TLS material")
	}
}

func TestHeartbeatCarriesTLSStampAndKeepsMaterial(t *testing.T) {
	cs := &controlServer{respond: func(n int) RemoteSettings {
		rs := testSettings(n)
		if n > 1 {
			// Unchanged material is omitted on later pings.
			rs.TLS = nil
		}
		return rs
	}}
	c := newTestClient(t, cs)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.Heartbeat(context.Background())

	cs.mu.Lock()
	stamp := cs.pings[1].TLSCreatedAt
	cs.mu.Unlock()
	if stamp != "2026-01-01T00:00:00Z" {
		t.Errorf("second ping tls_created_at = %q", stamp)
	}

	rs, err := c.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if rs.TLS == nil || rs.TLS.Certificate != "CERT-A" {
		t.Error("TLS material not carried forward when omitted")
	}

	select {
	case <-c.RestartSignals():
		t.Error("restart signaled without a certificate change")
	default:
	}
}

func TestHeartbeatSignalsRestartOncePerRotation(t *testing.T) {
	cs := &controlServer{respond: func(n int) RemoteSettings {
		rs := testSettings(n)
		if n >= 2 {
			rs.TLS = &TLSCertificate{
				Certificate: "CERT-B",
				PrivateKey:  "KEY-B",
				CreatedAt:   "2026-02-01T00:00:00Z",
			}
		}
		return rs
	}}
	c := newTestClient(t, cs)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Rotation arrives; same material re-sent on the next beat.
	c.Heartbeat(context.Background())
	c.Heartbeat(context.Background())

	signals := 0
	for {
		select {
		case <-c.RestartSignals():
			signals++
			continue
		default:
		}
		break
	}
	if signals != 1 {
		t.Errorf("got %d restart signals, want exactly 1", signals)
	}

	rs, _ := c.Settings()
	if rs.TLS.Certificate != "CERT-B" {
		t.Errorf("settings hold certificate %q after rotation", rs.TLS.Certificate)
	}
}

func TestHeartbeatFailureKeepsSettings(t *testing.T) {
	cs := &controlServer{respond: testSettings}
	c := newTestClient(t, cs)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	cs.mu.Lock()
	cs.failPings = true
	cs.mu.Unlock()

	c.Heartbeat(context.Background())

	rs, err := c.Settings()
	if err != nil {
		t.Fatalf("Settings lost after failed heartbeat: %v", err)
	}
	if rs.ImageServer != "https://upstream.example" {
		t.Errorf("settings changed after failed heartbeat")
	}
}

func TestLogout(t *testing.T) {
	cs := &controlServer{respond: testSettings}
	c := newTestClient(t, cs)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.stops != 1 {
		t.Errorf("server saw %d stops", cs.stops)
	}
}

func TestTokenKeyUnmarshal(t *testing.T) {
	var k TokenKey

	good := base64.StdEncoding.EncodeToString(bytesOf(32, 0xAB))
	if err := k.UnmarshalJSON([]byte(`"` + good + `"`)); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if k[0] != 0xAB || k[31] != 0xAB {
		t.Error("key bytes not decoded")
	}

	short := base64.StdEncoding.EncodeToString(bytesOf(16, 0x01))
	if err := k.UnmarshalJSON([]byte(`"` + short + `"`)); err == nil {
		t.Error("16-byte key accepted")
	}
	if err := k.UnmarshalJSON([]byte(`"not!base64!"`)); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestTLSCertificateEqual(t *testing.T) {
	a := &TLSCertificate{Certificate: "C", PrivateKey: "K", CreatedAt: "t1"}
	b := &TLSCertificate{Certificate: "C", PrivateKey: "K", CreatedAt: "t2"}
	d := &TLSCertificate{Certificate: "C2", PrivateKey: "K", CreatedAt: "t1"}

	if !a.Equal(b) {
		t.Error("identical material with different stamps compared unequal")
	}
	if a.Equal(d) {
		t.Error("different certificates compared equal")
	}
	if a.Equal(nil) {
		t.Error("non-nil compared equal to nil")
	}
	var nilCert *TLSCertificate
	if !nilCert.Equal(nil) {
		t.Error("nil/nil compared unequal")
	}
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
