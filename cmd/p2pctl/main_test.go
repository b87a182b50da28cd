package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHostOfAndPortOf(t *testing.T) {
	if got := hostOf("example.com:1234"); got != "example.com" {
		t.Errorf("hostOf = %q, want example.com", got)
	}
	if got := hostOf("example.com"); got != "example.com" {
		t.Errorf("hostOf without a port = %q, want example.com", got)
	}
	if got := portOf("example.com:1234", 9000); got != 1234 {
		t.Errorf("portOf = %d, want 1234", got)
	}
	if got := portOf("example.com", 9000); got != 9000 {
		t.Errorf("portOf without a port should fall back to the default, got %d", got)
	}
	if got := portOf("example.com:bogus", 9000); got != 9000 {
		t.Errorf("portOf with a non-numeric port should fall back to the default, got %d", got)
	}
}

func TestReadEnvFileParsesKeyValuePairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env")
	contents := "P2P_LOCAL_PEER_ID=alice\nP2P_SERVER_HOST=example.com\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	env, err := readEnvFile(path)
	if err != nil {
		t.Fatalf("readEnvFile: %v", err)
	}
	want := map[string]string{"P2P_LOCAL_PEER_ID": "alice", "P2P_SERVER_HOST": "example.com"}
	got := map[string]string{}
	for _, e := range env {
		for k, v := range want {
			if e == k+"="+v {
				got[k] = v
			}
		}
	}
	if len(got) != len(want) {
		t.Fatalf("parsed env %v, want to find all of %v", env, want)
	}
}

func TestReadEnvFileMissingFile(t *testing.T) {
	if _, err := readEnvFile(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected an error reading a nonexistent env file")
	}
}
