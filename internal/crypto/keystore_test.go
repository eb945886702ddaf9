package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyStoreCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ks, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	if ks.Len() != 1 || ks.ActiveIndex() != 0 {
		t.Fatalf("expected single active key, got len=%d active=%d", ks.Len(), ks.ActiveIndex())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key store: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 key store file, got %o", perm)
	}

	reloaded, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("reload key store: %v", err)
	}
	if reloaded.Active().ID != ks.Active().ID {
		t.Fatalf("expected idempotent load, key id changed from %s to %s", ks.Active().ID, reloaded.Active().ID)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ks, err := EnsureKeyStore(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	payload := []byte(`{"foo":"bar","n":1}`)
	sig, kid := ks.Sign(payload)
	if sig == "" || kid == "" {
		t.Fatalf("expected signature and key id")
	}
	if !ks.VerifyAny(payload, sig) {
		t.Fatalf("expected signature to verify")
	}
	if ks.VerifyAny([]byte(`{"foo":"baz"}`), sig) {
		t.Fatalf("signature must not verify over different payload")
	}
	if ks.VerifyAny(payload, "not base64!!") {
		t.Fatalf("malformed signature must verify false, not panic")
	}
}

func TestRotationRetainsHistoricalKeys(t *testing.T) {
	ks, err := EnsureKeyStore(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	payload := []byte(`{"event":"credential_issued"}`)
	sigA, kidA := ks.Sign(payload)

	idx, err := ks.Rotate()
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if idx != 1 || ks.Len() != 2 {
		t.Fatalf("expected rotation to append and advance, got idx=%d len=%d", idx, ks.Len())
	}
	if ks.Active().ID == kidA {
		t.Fatalf("expected a new active key after rotation")
	}
	if !ks.VerifyAny(payload, sigA) {
		t.Fatalf("rotation must not invalidate statements signed under the old key")
	}

	sigB, _ := ks.Sign(payload)
	if sigA == sigB {
		t.Fatalf("expected new key to produce a different signature")
	}
}

func TestFailedRotationLeavesStoreUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ks, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	before := ks.Active().ID

	// A directory at the staging path makes the write fail. The rotation
	// must not commit a key that never reached disk; signing with one
	// would produce statements no restarted node can verify.
	if err := os.Mkdir(path+".tmp", 0o700); err != nil {
		t.Fatalf("plant staging directory: %v", err)
	}
	if _, err := ks.Rotate(); err == nil {
		t.Fatalf("expected rotation to fail when persistence fails")
	}
	if ks.Len() != 1 || ks.ActiveIndex() != 0 || ks.Active().ID != before {
		t.Fatalf("failed rotation left partial state: len=%d active=%d id=%s", ks.Len(), ks.ActiveIndex(), ks.Active().ID)
	}
	if !ks.Holds(ks.ActivePublicKey()) {
		t.Fatalf("expected original key still held")
	}

	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatalf("remove staging directory: %v", err)
	}
	if _, err := ks.Rotate(); err != nil {
		t.Fatalf("Rotate after recovery error: %v", err)
	}
	reloaded, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("reload key store: %v", err)
	}
	if reloaded.Len() != 2 || reloaded.Active().ID != ks.Active().ID {
		t.Fatalf("expected recovered rotation on disk, got len=%d active=%s", reloaded.Len(), reloaded.Active().ID)
	}
}

func TestRotationSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ks, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	payload := []byte(`"artifact"`)
	sigA, _ := ks.Sign(payload)
	if _, err := ks.Rotate(); err != nil {
		t.Fatalf("Rotate error: %v", err)
	}

	reloaded, err := EnsureKeyStore(path)
	if err != nil {
		t.Fatalf("reload key store: %v", err)
	}
	if reloaded.Len() != 2 || reloaded.ActiveIndex() != 1 {
		t.Fatalf("expected persisted rotation, got len=%d active=%d", reloaded.Len(), reloaded.ActiveIndex())
	}
	if !reloaded.VerifyAny(payload, sigA) {
		t.Fatalf("expected reloaded store to verify historical signature")
	}
}

func TestEnsureKeyStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte(`{"active_index":5,"keys":[]}`), 0o600); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	if _, err := EnsureKeyStore(path); err == nil {
		t.Fatalf("expected corrupt key store to be fatal")
	}
	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	if _, err := EnsureKeyStore(path); err == nil {
		t.Fatalf("expected unparseable key store to be fatal")
	}
}

func TestParsePublicKeyPEMRoundTrip(t *testing.T) {
	ks, err := EnsureKeyStore(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("EnsureKeyStore error: %v", err)
	}
	pub, err := ParsePublicKey(ks.Active().PublicKeyPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey error: %v", err)
	}
	if !pub.Equal(ks.ActivePublicKey()) {
		t.Fatalf("expected PEM round trip to preserve key")
	}
	if KeyID(pub) != ks.Active().ID {
		t.Fatalf("expected stable key fingerprint")
	}
}
