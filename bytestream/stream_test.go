package bytestream

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slimweb"
)

func TestPlain_ReadWrite(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa, sb := Plain(a), Plain(b)
	go func() {
		_, _ = sa.Write([]byte("ping"), time.Now().Add(time.Second))
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(readerFunc(func(p []byte) (int, error) {
		return sb.Read(p, time.Now().Add(time.Second))
	}), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
	if sa.Secure() {
		t.Error("plain stream reports Secure() = true")
	}
}

func TestPlain_ReadDeadlineIsTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := Plain(a)
	start := time.Now()
	_, err := s.Read(make([]byte, 1), time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, slimweb.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("read did not honour its deadline")
	}
}

func TestPlain_EOFPassesThrough(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	s := Plain(a)
	_ = b.Close()

	_, err := s.Read(make([]byte, 1), time.Time{})
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestTLSProvider_RoundTrip(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)

	srv, err := NewTLSProvider(TLSOptions{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("server provider: %v", err)
	}
	if !srv.CanServe() {
		t.Fatal("server provider cannot serve")
	}
	cli, err := NewTLSProvider(TLSOptions{CAFile: certFile})
	if err != nil {
		t.Fatalf("client provider: %v", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(5 * time.Second)
	done := make(chan error, 1)
	go func() {
		s, err := srv.Server(b, deadline)
		if err != nil {
			done <- err
			return
		}
		_, err = s.Write([]byte("secret"), deadline)
		done <- err
	}()

	cs, err := cli.Client(a, "localhost", deadline)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if !cs.Secure() {
		t.Error("TLS stream reports Secure() = false")
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(readerFunc(func(p []byte) (int, error) {
		return cs.Read(p, deadline)
	}), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "secret" {
		t.Fatalf("got %q", buf)
	}
	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestTLSProvider_ServerWithoutCertificate(t *testing.T) {
	p, err := NewTLSProvider(TLSOptions{})
	if err != nil {
		t.Fatalf("NewTLSProvider: %v", err)
	}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, err := p.Server(a, time.Now().Add(time.Second)); err == nil {
		t.Fatal("expected error for provider without certificate")
	}
}

func TestNewTLSProvider_BadCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTLSProvider(TLSOptions{CAFile: path}); err == nil {
		t.Fatal("expected error for CA file without certificates")
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
