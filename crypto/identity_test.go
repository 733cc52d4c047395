package crypto

import (
	"path/filepath"
	"testing"
)

func TestEnsureCertificateGeneratesAndReloads(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "device.crt")
	keyPath := filepath.Join(tempDir, "device.key")

	first, err := EnsureCertificate(certPath, keyPath, "picsend-test")
	if err != nil {
		t.Fatalf("first EnsureCertificate failed: %v", err)
	}
	firstFingerprint, err := Fingerprint(first)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if firstFingerprint == "" {
		t.Fatalf("expected non-empty fingerprint")
	}

	second, err := EnsureCertificate(certPath, keyPath, "picsend-test")
	if err != nil {
		t.Fatalf("second EnsureCertificate failed: %v", err)
	}
	secondFingerprint, err := Fingerprint(second)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}

	if secondFingerprint != firstFingerprint {
		t.Fatalf("expected stable fingerprint across reloads, got %q then %q", firstFingerprint, secondFingerprint)
	}
	if second.Leaf == nil {
		t.Fatalf("expected reloaded certificate to carry a parsed leaf")
	}
	if second.Leaf.Subject.CommonName != "picsend-test" {
		t.Fatalf("unexpected common name %q", second.Leaf.Subject.CommonName)
	}
}

func TestGenerateCertificateProducesDistinctIdentities(t *testing.T) {
	a, err := GenerateCertificate("a")
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	b, err := GenerateCertificate("b")
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	fpA, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	fpB, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if fpA == fpB {
		t.Fatalf("expected distinct fingerprints for distinct certificates")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	want := "ABCD 1234 EF"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty input")
	}
}
