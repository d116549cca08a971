package workspace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeSignedEnv(t *testing.T, parent string, content string, key []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(parent, envFileName), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(content))
	sig := hex.EncodeToString(mac.Sum(nil))
	if err := os.WriteFile(filepath.Join(parent, sigFileName), []byte(sig), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSignedEnv_ValidFile(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sbx")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	key := []byte("secret-key")
	writeSignedEnv(t, parent, "# persistent vars\nPROJECT=demo\nstage=prod\n", key)

	vars, err := LoadSignedEnv(root, key)
	if err != nil {
		t.Fatalf("LoadSignedEnv returned error: %v", err)
	}
	if vars["PROJECT"] != "demo" {
		t.Errorf("got PROJECT=%q, want demo", vars["PROJECT"])
	}
	if vars["STAGE"] != "prod" {
		t.Errorf("got STAGE=%q, want prod (names canonicalized)", vars["STAGE"])
	}
}

func TestLoadSignedEnv_MissingFileIsNotAnError(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sbx")
	vars, err := LoadSignedEnv(root, []byte("k"))
	if err != nil {
		t.Fatalf("LoadSignedEnv returned error: %v", err)
	}
	if vars != nil {
		t.Errorf("got %v, want nil when no env file exists", vars)
	}
}

func TestLoadSignedEnv_BadSignatureRejected(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sbx")
	writeSignedEnv(t, parent, "PROJECT=demo\n", []byte("right-key"))

	if _, err := LoadSignedEnv(root, []byte("wrong-key")); err == nil {
		t.Error("expected a signature made with a different key to be rejected")
	}
}

func TestLoadSignedEnv_MissingSignatureRejected(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sbx")
	if err := os.WriteFile(filepath.Join(parent, envFileName), []byte("A=b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSignedEnv(root, []byte("k")); err == nil {
		t.Error("expected an env file without a signature to be rejected")
	}
}

func TestLoadSignedEnv_ReservedNameRejected(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sbx")
	key := []byte("k")
	writeSignedEnv(t, parent, "PREV=sneaky\n", key)

	if _, err := LoadSignedEnv(root, key); err == nil {
		t.Error("expected a reserved variable name in the env file to be rejected")
	}
}
