package listensocket

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSignedTLSConfig builds a throwaway TLS server config for tests that
// need to exercise a real Bind under TLS without reading certs off disk.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "listensocket-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestConfigureSetupAccept(t *testing.T) {
	container := New(nil)
	defer container.Close()

	if err := container.ConfigureAndSetup([]Config{{Bind: "127.0.0.1", Port: 0}}); err != nil {
		t.Fatalf("configure and setup: %v", err)
	}

	sockets := container.Sockets()
	if len(sockets) != 1 {
		t.Fatalf("expected 1 socket, got %d", len(sockets))
	}
	var addr string
	for _, s := range sockets {
		addr = s.Listener().Addr().String()
		s.Release()
	}

	go func() {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := container.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	accepted.Conn.Close()
}

func TestConfigurePreservesIdentityAcrossReconfigure(t *testing.T) {
	container := New(nil)
	defer container.Close()

	if err := container.ConfigureAndSetup([]Config{{Bind: "127.0.0.1", Port: 0}}); err != nil {
		t.Fatalf("initial configure: %v", err)
	}
	sockets := container.Sockets()
	var before *Socket
	for _, s := range sockets {
		before = s
	}
	cfg := before.Config()
	before.Release()

	// Reconfigure with the exact same key: the socket must keep its bound
	// listener rather than rebinding (which would fail if the port were
	// genuinely fixed, since it's still held).
	if err := container.ConfigureAndSetup([]Config{cfg}); err != nil {
		t.Fatalf("second configure: %v", err)
	}
	after := container.Sockets()
	if len(after) != 1 {
		t.Fatalf("expected exactly 1 socket to survive reconfigure, got %d", len(after))
	}
	for _, s := range after {
		if !s.Bound() {
			t.Fatal("expected the surviving socket to remain bound")
		}
		s.Release()
	}
}

func TestConfigureAppliesUpdatedAttributesToKeptSocket(t *testing.T) {
	container := New(nil)
	defer container.Close()

	if err := container.ConfigureAndSetup([]Config{{Bind: "127.0.0.1", Port: 0}}); err != nil {
		t.Fatalf("initial configure: %v", err)
	}
	sockets := container.Sockets()
	var before *Socket
	for _, s := range sockets {
		before = s
	}
	cfg := before.Config()
	if cfg.TLS {
		t.Fatal("expected the initial socket to be plaintext")
	}
	before.Release()

	// Reconfigure the same (bind, port) key but flip TLS on: identity
	// (the *Socket value) must survive, and the new config must actually
	// take effect once Setup rebinds it.
	tlsConf := selfSignedTLSConfig(t)
	cfg.TLS = true
	cfg.TLSConf = tlsConf
	if err := container.ConfigureAndSetup([]Config{cfg}); err != nil {
		t.Fatalf("second configure: %v", err)
	}

	after := container.Sockets()
	if len(after) != 1 {
		t.Fatalf("expected exactly 1 socket to survive reconfigure, got %d", len(after))
	}
	for _, s := range after {
		if s != before {
			t.Fatal("expected the same *Socket identity to survive the reconfigure")
		}
		if !s.Bound() {
			t.Fatal("expected the reconfigured socket to be rebound")
		}
		if !s.Config().TLS {
			t.Fatal("expected the updated TLS attribute to take effect")
		}
		s.Release()
	}
}

func TestConfigureReleasesDroppedSockets(t *testing.T) {
	container := New(nil)
	defer container.Close()

	if err := container.ConfigureAndSetup([]Config{{Bind: "127.0.0.1", Port: 0}}); err != nil {
		t.Fatalf("initial configure: %v", err)
	}
	if err := container.Configure(nil); err != nil {
		t.Fatalf("drop all: %v", err)
	}
	if len(container.Sockets()) != 0 {
		t.Fatal("expected no sockets after configuring an empty set")
	}
}
