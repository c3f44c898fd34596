package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8080,
			WSPath:              "/ws",
			WriteTimeoutSeconds: 10,
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 60,
		},
		Memory: MemoryConfig{
			DBPath:           "~/.tripchat/tripchat.db",
			TxTimeoutSeconds: 5,
		},
		History: HistoryConfig{
			DefaultPageSize: 50,
			MaxPageSize:     100,
		},
		Generation: GenerationConfig{
			Mode:          "none",
			Concurrency:   4,
			RateBurst:     5,
			RatePerMinute: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
