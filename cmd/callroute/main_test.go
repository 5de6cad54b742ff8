package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/callroute/internal/config"
)

func TestRunReturnsExitCodeOnStartupFailure(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	// A regular file where the journal directory should be makes Open fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	cfg := &config.Config{
		HTTPPort:          0,
		LogLevel:          "error",
		LogFormat:         "json",
		CRMBaseURL:        "https://api.hubapi.com",
		CRMAccessToken:    "crm-tok",
		TelephonyBaseURL:  "https://api.aircall.io",
		TelephonyAPIID:    "tel-id",
		TelephonyAPIToken: "tel-tok",
		RefreshPolicy:     "background",
		RefreshInterval:   time.Hour,
		MappingTTL:        time.Hour,
		WebhookPath:       "/aircall/route",
		ResponseShape:     "nested",
		RateLimit:         20,
		RateBurst:         40,
		JournalDSN:        filepath.Join(blocker, "callroute.db"),
		JournalRetention:  time.Hour,
	}

	if code := run(cfg, time.Now()); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
}
