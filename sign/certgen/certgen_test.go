package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var frozenTime = time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func testParams(t *testing.T) Params {
	return Params{
		Subject: Subject{
			CommonName:   "John Doe",
			Organization: "Acme Corp",
			Country:      "DE",
			Email:        "john@acme.example",
		},
		Key: testKey(t),
	}
}

func TestGenerate(t *testing.T) {
	gen := NewWithClock(clockwork.NewFakeClockAt(frozenTime))

	t.Run("subject and validity window", func(t *testing.T) {
		cert, err := gen.Generate(testParams(t))
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		c := cert.Certificate
		if c.Subject.CommonName != "John Doe" {
			t.Errorf("CommonName = %q", c.Subject.CommonName)
		}
		if len(c.Subject.Organization) != 1 || c.Subject.Organization[0] != "Acme Corp" {
			t.Errorf("Organization = %v", c.Subject.Organization)
		}
		if len(c.Subject.Country) != 1 || c.Subject.Country[0] != "DE" {
			t.Errorf("Country = %v", c.Subject.Country)
		}
		if !c.NotBefore.Equal(frozenTime) {
			t.Errorf("NotBefore = %v, want %v", c.NotBefore, frozenTime)
		}
		if want := frozenTime.Add(DefaultValidityDays * 24 * time.Hour); !c.NotAfter.Equal(want) {
			t.Errorf("NotAfter = %v, want %v", c.NotAfter, want)
		}
	})

	t.Run("custom validity", func(t *testing.T) {
		p := testParams(t)
		p.ValidityDays = 30
		cert, err := gen.Generate(p)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if want := frozenTime.Add(30 * 24 * time.Hour); !cert.Certificate.NotAfter.Equal(want) {
			t.Errorf("NotAfter = %v, want %v", cert.Certificate.NotAfter, want)
		}
	})

	t.Run("self signed and usable for signing", func(t *testing.T) {
		cert, err := gen.Generate(testParams(t))
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		c := cert.Certificate
		if err := c.CheckSignatureFrom(c); err != nil {
			t.Errorf("certificate is not self-signed: %v", err)
		}
		if c.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
			t.Error("digitalSignature key usage missing")
		}
		if len(c.EmailAddresses) != 1 || c.EmailAddresses[0] != "john@acme.example" {
			t.Errorf("EmailAddresses = %v", c.EmailAddresses)
		}
	})

	t.Run("serials are unique", func(t *testing.T) {
		p := testParams(t)
		a, err := gen.Generate(p)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		b, err := gen.Generate(p)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if a.Certificate.SerialNumber.Cmp(b.Certificate.SerialNumber) == 0 {
			t.Error("two certificates share a serial number")
		}
	})

	t.Run("missing key", func(t *testing.T) {
		p := testParams(t)
		p.Key = nil
		if _, err := gen.Generate(p); err == nil {
			t.Error("expected error for missing key")
		}
	})

	t.Run("missing subject fields", func(t *testing.T) {
		for _, mutate := range []func(*Params){
			func(p *Params) { p.Subject.CommonName = "" },
			func(p *Params) { p.Subject.Organization = "" },
		} {
			p := testParams(t)
			mutate(&p)
			var genErr *GenerationError
			if _, err := gen.Generate(p); err == nil {
				t.Error("expected error for incomplete subject")
			} else if !errors.As(err, &genErr) {
				t.Errorf("expected *GenerationError, got %T", err)
			}
		}
	})
}

func TestPEMRoundTrip(t *testing.T) {
	gen := NewWithClock(clockwork.NewFakeClockAt(frozenTime))
	cert, err := gen.Generate(testParams(t))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	der, err := ParsePEM(cert.PEM())
	if err != nil {
		t.Fatalf("ParsePEM failed: %v", err)
	}
	if string(der) != string(cert.DER) {
		t.Error("PEM round trip altered the DER bytes")
	}

	if _, err := ParsePEM("not pem at all"); err == nil {
		t.Error("expected error for invalid PEM")
	}
}
