package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               int
	DBPath             string
	ReadTimeout        int // seconds, 0 disables the idle limit
	WriteTimeout       int // seconds
	QueryTimeout       int // milliseconds
	SendQueueSize      int
	DedupWindow        int // milliseconds, 0 disables
	PublicHistoryLimit int
	SearchLimit        int
	MetricsAddr        string
	ControlSocket      string
	Env                string
	LogLevel           string
}

// Load reads CHAT_* variables over the defaults. A .env file in the working
// directory, if present, is applied first without overriding the real
// environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               3215,
		DBPath:             "chat.db",
		ReadTimeout:        300,
		WriteTimeout:       10,
		QueryTimeout:       3000,
		SendQueueSize:      256,
		DedupWindow:        1500,
		PublicHistoryLimit: 50,
		SearchLimit:        50,
		MetricsAddr:        ":9215",
		ControlSocket:      "/tmp/chat.sock",
		Env:                "dev",
		LogLevel:           "info",
	}

	intVar(&cfg.Port, "CHAT_PORT")
	strVar(&cfg.DBPath, "CHAT_DB_PATH")
	intVar(&cfg.ReadTimeout, "CHAT_READ_TIMEOUT")
	intVar(&cfg.WriteTimeout, "CHAT_WRITE_TIMEOUT")
	intVar(&cfg.QueryTimeout, "CHAT_QUERY_TIMEOUT")
	intVar(&cfg.SendQueueSize, "CHAT_SEND_QUEUE")
	intVar(&cfg.DedupWindow, "CHAT_DEDUP_WINDOW")
	intVar(&cfg.PublicHistoryLimit, "CHAT_PUBLIC_HISTORY")
	intVar(&cfg.SearchLimit, "CHAT_SEARCH_LIMIT")
	strVar(&cfg.ControlSocket, "CHAT_CONTROL_SOCKET")
	strVar(&cfg.Env, "CHAT_ENV")
	strVar(&cfg.LogLevel, "CHAT_LOG_LEVEL")

	// An explicitly empty CHAT_METRICS_ADDR turns the endpoint off.
	if addr, ok := os.LookupEnv("CHAT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = addr
	}

	return cfg
}

func intVar(dst *int, key string) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			*dst = v
		}
	}
}

func strVar(dst *string, key string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}
