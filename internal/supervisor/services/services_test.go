// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veylan/edgehome/internal/control"
)

type fakeSettings struct {
	rs  *control.RemoteSettings
	err error
}

func (f *fakeSettings) Settings() (*control.RemoteSettings, error) {
	return f.rs, f.err
}

// selfSignedCert generates throwaway PEM material for the listener.
func selfSignedCert(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func listenerSettings(t *testing.T) *fakeSettings {
	t.Helper()
	certPEM, keyPEM := selfSignedCert(t)
	return &fakeSettings{rs: &control.RemoteSettings{
		TLS: &control.TLSCertificate{
			Certificate: certPEM,
			PrivateKey:  keyPEM,
			CreatedAt:   "2026-01-01T00:00:00Z",
		},
	}}
}

func TestListenerRequiresTLSMaterial(t *testing.T) {
	svc := NewListenerService(&fakeSettings{rs: &control.RemoteSettings{}}, http.NotFoundHandler(), "127.0.0.1:0", time.Second, nil)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("Serve succeeded without TLS material")
	}
}

func TestListenerFailsWithoutSettings(t *testing.T) {
	svc := NewListenerService(&fakeSettings{err: control.ErrNotLoggedIn}, http.NotFoundHandler(), "127.0.0.1:0", time.Second, nil)

	if err := svc.Serve(context.Background()); !errors.Is(err, control.ErrNotLoggedIn) {
		t.Errorf("Serve returned %v, want ErrNotLoggedIn", err)
	}
}

func TestListenerRejectsBadCertificate(t *testing.T) {
	svc := NewListenerService(&fakeSettings{rs: &control.RemoteSettings{
		TLS: &control.TLSCertificate{Certificate: "not-pem", PrivateKey: "not-pem"},
	}}, http.NotFoundHandler(), "127.0.0.1:0", time.Second, nil)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("Serve accepted unparsable certificate material")
	}
}

func TestListenerStopsOnCancel(t *testing.T) {
	svc := NewListenerService(listenerSettings(t), http.NotFoundHandler(), "127.0.0.1:0", time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

func TestListenerRestartSignalReturnsNil(t *testing.T) {
	restart := make(chan struct{}, 1)
	svc := NewListenerService(listenerSettings(t), http.NotFoundHandler(), "127.0.0.1:0", time.Second, restart)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	restart <- struct{}{}

	select {
	case err := <-done:
		// nil tells the supervisor to restart the service, which is how
		// rotated material gets picked up.
		if err != nil {
			t.Errorf("Serve returned %v after restart signal, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not drain on restart signal")
	}
}

type fakeBeater struct {
	beats atomic.Int64
}

func (f *fakeBeater) Heartbeat(context.Context) { f.beats.Add(1) }

func TestHeartbeatBeatsUntilCancel(t *testing.T) {
	beater := &fakeBeater{}
	svc := NewHeartbeatService(beater, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for beater.beats.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("heartbeat never ticked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

type fakeRunner struct {
	ran atomic.Bool
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.ran.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func TestCacheWriterRunsUnderlyingLoop(t *testing.T) {
	runner := &fakeRunner{}
	svc := NewCacheWriterService(runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if !runner.ran.Load() {
		t.Error("underlying loop never ran")
	}
}
