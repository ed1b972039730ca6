package envconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_SetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "PBMAPPER_TEST_A=alpha\nPBMAPPER_TEST_B=beta\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("PBMAPPER_TEST_A")
		_ = os.Unsetenv("PBMAPPER_TEST_B")
	})

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := os.Getenv("PBMAPPER_TEST_A"); got != "alpha" {
		t.Errorf("A = %q, want alpha", got)
	}
	if got := os.Getenv("PBMAPPER_TEST_B"); got != "beta" {
		t.Errorf("B = %q, want beta", got)
	}
}

func TestLoadFile_ExplicitEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("PBMAPPER_TEST_C=from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PBMAPPER_TEST_C", "from_env")

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := os.Getenv("PBMAPPER_TEST_C"); got != "from_env" {
		t.Errorf("C = %q, want the pre-set value to win", got)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("Expected error for a missing file")
	}
}
