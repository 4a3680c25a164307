package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceKeysRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if has, err := s.HasDeviceKeys(); err != nil || has {
		t.Fatalf("expected no device keys initially, has=%v err=%v", has, err)
	}

	if err := s.SetDeviceKeys("PRIV-PEM", "PUB-PEM"); err != nil {
		t.Fatalf("SetDeviceKeys: %v", err)
	}

	has, err := s.HasDeviceKeys()
	if err != nil || !has {
		t.Fatalf("expected device keys after SetDeviceKeys, has=%v err=%v", has, err)
	}

	priv, ok, err := s.GetString(KeyDevicePrivateKey)
	if err != nil || !ok || priv != "PRIV-PEM" {
		t.Fatalf("unexpected private key: %q ok=%v err=%v", priv, ok, err)
	}
}

func TestAdoptedFlagDefaultsFalse(t *testing.T) {
	s := openTestStore(t)

	adopted, err := s.IsAdopted()
	if err != nil || adopted {
		t.Fatalf("expected adopted=false by default, got %v err=%v", adopted, err)
	}

	if err := s.SetAdopted(true); err != nil {
		t.Fatalf("SetAdopted: %v", err)
	}
	adopted, err = s.IsAdopted()
	if err != nil || !adopted {
		t.Fatalf("expected adopted=true after SetAdopted, got %v err=%v", adopted, err)
	}
}

func TestServerCredentialsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if has, err := s.HasServerCredentials(); err != nil || has {
		t.Fatalf("expected no server credentials initially, has=%v err=%v", has, err)
	}

	if err := s.SetServerCredentials("CERT-CHAIN", "SIGN-PUB"); err != nil {
		t.Fatalf("SetServerCredentials: %v", err)
	}

	has, err := s.HasServerCredentials()
	if err != nil || !has {
		t.Fatalf("expected server credentials after SetServerCredentials, has=%v err=%v", has, err)
	}
}

func TestFactoryResetClearsNamespace(t *testing.T) {
	s := openTestStore(t)
	s.SetDeviceKeys("PRIV", "PUB")
	s.SetServerCredentials("CERT", "SIGN")
	s.SetAdopted(true)

	if err := s.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	if has, _ := s.HasDeviceKeys(); has {
		t.Fatal("expected device keys cleared after FactoryReset")
	}
	if has, _ := s.HasServerCredentials(); has {
		t.Fatal("expected server credentials cleared after FactoryReset")
	}
	if adopted, _ := s.IsAdopted(); adopted {
		t.Fatal("expected adopted flag cleared after FactoryReset")
	}
}
