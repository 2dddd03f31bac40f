package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CHAT_PORT", "CHAT_DB_PATH", "CHAT_READ_TIMEOUT", "CHAT_QUERY_TIMEOUT", "CHAT_DEDUP_WINDOW"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != 3215 {
		t.Errorf("Port = %d, want 3215", cfg.Port)
	}
	if cfg.DBPath != "chat.db" {
		t.Errorf("DBPath = %q, want chat.db", cfg.DBPath)
	}
	if cfg.ReadTimeout != 300 {
		t.Errorf("ReadTimeout = %d, want 300", cfg.ReadTimeout)
	}
	if cfg.QueryTimeout != 3000 {
		t.Errorf("QueryTimeout = %d, want 3000", cfg.QueryTimeout)
	}
	if cfg.DedupWindow != 1500 {
		t.Errorf("DedupWindow = %d, want 1500", cfg.DedupWindow)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHAT_PORT", "4000")
	t.Setenv("CHAT_DB_PATH", "/tmp/x.db")
	t.Setenv("CHAT_DEDUP_WINDOW", "0")
	t.Setenv("CHAT_METRICS_ADDR", "")
	t.Setenv("CHAT_ENV", "prod")

	cfg := Load()

	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Port)
	}
	if cfg.DBPath != "/tmp/x.db" {
		t.Errorf("DBPath = %q, want /tmp/x.db", cfg.DBPath)
	}
	if cfg.DedupWindow != 0 {
		t.Errorf("DedupWindow = %d, want 0", cfg.DedupWindow)
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("MetricsAddr = %q, want empty", cfg.MetricsAddr)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod", cfg.Env)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("CHAT_PORT", "not-a-port")
	t.Setenv("CHAT_SEND_QUEUE", "-3")

	cfg := Load()

	if cfg.Port != 3215 {
		t.Errorf("Port = %d, want default 3215", cfg.Port)
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("SendQueueSize = %d, want default 256", cfg.SendQueueSize)
	}
}
