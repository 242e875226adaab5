package security_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyontel/converge/security"
)

func newTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v, want nil", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() error = %v, want nil", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestIdentity_SignAndVerify(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM := newTestCert(t, "atlanta.example.com")
	sec := security.NewBaseSecurity(nil)
	if err := sec.AddDomainCertPEM("atlanta.example.com", certPEM); err != nil {
		t.Fatalf("AddDomainCertPEM() error = %v, want nil", err)
	}
	if err := sec.AddDomainKeyPEM("atlanta.example.com", keyPEM); err != nil {
		t.Fatalf("AddDomainKeyPEM() error = %v, want nil", err)
	}

	canonical := "sip:alice@atlanta.example.com|sip:bob@biloxi.example.com|call-1|1 INVITE|sip:bob@biloxi.example.com|"
	sig, err := sec.ComputeIdentity("atlanta.example.com", canonical)
	if err != nil {
		t.Fatalf("ComputeIdentity() error = %v, want nil", err)
	}

	ok, err := sec.CheckIdentity("atlanta.example.com", canonical, sig)
	if err != nil {
		t.Fatalf("CheckIdentity() error = %v, want nil", err)
	}
	if !ok {
		t.Errorf("CheckIdentity() = false, want true")
	}

	// a tampered canonical string fails verification without error
	ok, err = sec.CheckIdentity("atlanta.example.com", canonical+"x", sig)
	if err != nil {
		t.Fatalf("CheckIdentity(tampered) error = %v, want nil", err)
	}
	if ok {
		t.Errorf("CheckIdentity(tampered) = true, want false")
	}

	// unknown signer domain is an error
	if _, err := sec.ComputeIdentity("other.example.com", canonical); !errors.Is(err, security.ErrNotFound) {
		t.Errorf("ComputeIdentity(unknown) error = %v, want %v", err, security.ErrNotFound)
	}
}

func TestFileStore_PersistsNamingConvention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := &security.FileStore{Dir: dir}
	sec := security.NewBaseSecurity(fs)

	certPEM, keyPEM := newTestCert(t, "example.com")
	if err := sec.AddDomainCertPEM("example.com", certPEM); err != nil {
		t.Fatalf("AddDomainCertPEM() error = %v, want nil", err)
	}
	if err := sec.AddDomainKeyPEM("example.com", keyPEM); err != nil {
		t.Fatalf("AddDomainKeyPEM() error = %v, want nil", err)
	}
	userCert, userKey := newTestCert(t, "alice@example.com")
	if err := sec.AddUserCertPEM("alice@example.com", userCert); err != nil {
		t.Fatalf("AddUserCertPEM() error = %v, want nil", err)
	}
	if err := sec.AddUserKeyPEM("alice@example.com", userKey); err != nil {
		t.Fatalf("AddUserKeyPEM() error = %v, want nil", err)
	}

	for _, name := range []string{
		"domain_cert_example.com.pem",
		"domain_key_example.com.pem",
		"user_cert_alice@example.com.pem",
		"user_key_alice@example.com.pem",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected stored file %q: %v", name, err)
		}
	}

	// a fresh context reloads the persisted credentials
	sec2 := security.NewBaseSecurity(fs)
	if err := fs.Load(sec2); err != nil {
		t.Fatalf("fs.Load() error = %v, want nil", err)
	}
	if !sec2.HasDomainCert("example.com") || !sec2.HasDomainKey("example.com") {
		t.Errorf("domain credentials not reloaded")
	}
	if !sec2.HasUserCert("alice@example.com") || !sec2.HasUserKey("alice@example.com") {
		t.Errorf("user credentials not reloaded")
	}

	// removal deletes the file
	if err := sec.RemoveDomainCert("example.com"); err != nil {
		t.Fatalf("RemoveDomainCert() error = %v, want nil", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "domain_cert_example.com.pem")); !os.IsNotExist(err) {
		t.Errorf("domain cert file not removed")
	}
}

func TestBaseSecurity_SMIMEUnsupported(t *testing.T) {
	t.Parallel()

	sec := security.NewBaseSecurity(nil)
	if _, _, err := sec.Sign("alice@example.com", []byte("body")); !errors.Is(err, security.ErrUnsupported) {
		t.Errorf("Sign() error = %v, want %v", err, security.ErrUnsupported)
	}
	if _, err := sec.Decrypt([]byte("x")); !errors.Is(err, security.ErrUnsupported) {
		t.Errorf("Decrypt() error = %v, want %v", err, security.ErrUnsupported)
	}

	var se *security.Error
	_, _, err := sec.Sign("a", nil)
	if !errors.As(err, &se) || se.Op != "sign" {
		t.Errorf("Sign() error lacks operation context: %v", err)
	}
}

func TestGetDomainCertDER(t *testing.T) {
	t.Parallel()

	certPEM, _ := newTestCert(t, "example.net")
	sec := security.NewBaseSecurity(nil)
	if err := sec.AddDomainCertPEM("example.net", certPEM); err != nil {
		t.Fatalf("AddDomainCertPEM() error = %v, want nil", err)
	}

	der, err := sec.GetDomainCertDER("example.net")
	if err != nil {
		t.Fatalf("GetDomainCertDER() error = %v, want nil", err)
	}
	if err := sec.AddDomainCertDER("mirror.example.net", der); err != nil {
		t.Fatalf("AddDomainCertDER() error = %v, want nil", err)
	}
	if !sec.HasDomainCert("mirror.example.net") {
		t.Errorf("DER round trip lost the certificate")
	}
}
