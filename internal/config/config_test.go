package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KARYON_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.LookupDebounce != 800*time.Millisecond {
		t.Errorf("lookup debounce = %v", cfg.LookupDebounce)
	}
	if cfg.Store != StoreSQLite {
		t.Errorf("store = %q", cfg.Store)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "karyon.env")
	contents := "KARYON_API_URL=https://karyon.example.com/api\nKARYON_POLL_INTERVAL=5s\nKARYON_STORE=memory\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KARYON_ENV_FILE", path)
	t.Setenv("KARYON_API_URL", "")
	t.Setenv("KARYON_POLL_INTERVAL", "")
	t.Setenv("KARYON_STORE", "")
	os.Unsetenv("KARYON_API_URL")
	os.Unsetenv("KARYON_POLL_INTERVAL")
	os.Unsetenv("KARYON_STORE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "https://karyon.example.com/api" {
		t.Errorf("api url = %q", cfg.APIURL)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("store = %q", cfg.Store)
	}
}

func TestValidate(t *testing.T) {
	base := Config{APIURL: "http://localhost:8000/api", Store: StoreSQLite, MetadataSource: "api"}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cases := map[string]Config{
		"relative url":     {APIURL: "/api", Store: StoreSQLite, MetadataSource: "api"},
		"postgres no url":  {APIURL: base.APIURL, Store: StorePostgres, MetadataSource: "api"},
		"s3 no bucket":     {APIURL: base.APIURL, Store: StoreS3, MetadataSource: "api"},
		"unknown store":    {APIURL: base.APIURL, Store: "redis", MetadataSource: "api"},
		"unknown metadata": {APIURL: base.APIURL, Store: StoreSQLite, MetadataSource: "oembed"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestGetDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("KARYON_TEST_DURATION", "soon")
	if got := getDuration("KARYON_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback got %v", got)
	}
}
