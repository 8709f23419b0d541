package config

import "time"

var defaultHTTPClient = HTTPClientConfig{
	MaxRetries:           30,
	SleepSeconds:         30,
	TimeoutMs:            1000,
	ConnectTimeoutMs:     1000,
	UserAgent:            "CDBNPP-Http-Client",
	JWTExpirationSeconds: 10,
}

func DefaultConfig() *Config {
	return &Config{
		Adapters: AdaptersConfig{
			Memory: &MemoryConfig{
				CacheSizeLimit: SizeLimit{
					Lo: ByteSize(50 * 1024 * 1024),
					Hi: ByteSize(100 * 1024 * 1024),
				},
				CacheItemLimit: ItemLimit{Lo: 5000, Hi: 10000},
			},
			File: &FileConfig{Dirname: ".CDBNPP"},
		},
		Service: ServiceConfig{
			Adapters:         "memory+file+db+http",
			Flavors:          []string{"ofl"},
			FetchConcurrency: 8,
		},
		Blob: BlobConfig{
			Region:           "us-east-1",
			Prefix:           "payloads",
			OffloadThreshold: ByteSize(4 * 1024 * 1024),
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Subject:        "cdb.metadata",
			ConnectionName: "conditions-db",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       false,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}
