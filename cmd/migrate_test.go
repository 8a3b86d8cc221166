package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDSNNamesBothSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{ xmpp: { jid: "bot@example.com", server: "wss://im.example.com/xmpp" } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BIRDWATCH_CONFIG", path)
	t.Setenv("BIRDWATCH_POSTGRES_DSN", "")

	_, err := resolveDSN()
	if err == nil {
		t.Fatal("want error for missing DSN")
	}
	if !strings.Contains(err.Error(), "database.postgres_dsn") ||
		!strings.Contains(err.Error(), "BIRDWATCH_POSTGRES_DSN") {
		t.Errorf("error = %q, want both DSN sources named", err)
	}
}
