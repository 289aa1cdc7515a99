package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Messaging holds messaging service configuration loaded from environment.
type Messaging struct {
	Env               string
	GRPCAddr          string
	StoreDriver       string
	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaUsername    string
	ScyllaPassword    string
	ScyllaConsistency gocql.Consistency
	ScyllaTimeout     time.Duration
	ReplicationFactor int
	KafkaBrokers      []string
	KafkaTopic        string
}

// Gateway holds HTTP/websocket gateway configuration loaded from environment.
type Gateway struct {
	Env               string
	HTTPAddr          string
	AllowOrigins      []string
	MessagingGRPCAddr string
	MessagingGRPCDial time.Duration
	MessagingGRPCTime time.Duration
	MongoURI          string
	MongoDB           string
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaGroupID      string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ProfileCacheTTL   time.Duration
	S3Endpoint        string
	S3PublicEndpoint  string
	S3AccessKey       string
	S3SecretKey       string
	S3Bucket          string
	S3UseSSL          bool
	AvatarURLTTL      time.Duration
	WSPingInterval    time.Duration
}

// LoadMessaging parses the messaging service environment.
func LoadMessaging() (Messaging, error) {
	cfg := Messaging{
		Env:            getEnv("APP_ENV", "dev"),
		GRPCAddr:       getEnv("GRPC_ADDR", ":9000"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "scylla")),
		ScyllaHosts:    splitAndTrim(getEnv("SCYLLA_HOSTS", "localhost")),
		ScyllaKeyspace: strings.TrimSpace(getEnv("SCYLLA_KEYSPACE", "marketchat")),
		ScyllaUsername: strings.TrimSpace(os.Getenv("SCYLLA_USERNAME")),
		ScyllaPassword: strings.TrimSpace(os.Getenv("SCYLLA_PASSWORD")),
		ReplicationFactor: parseIntWithDefault(
			strings.TrimSpace(os.Getenv("SCYLLA_REPLICATION_FACTOR")), 1),
		KafkaBrokers: splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_MESSAGES_TOPIC", "marketchat.messages"),
	}
	switch cfg.StoreDriver {
	case "scylla":
		if cfg.ScyllaKeyspace == "" {
			return Messaging{}, fmt.Errorf("SCYLLA_KEYSPACE is required")
		}
		if len(cfg.ScyllaHosts) == 0 {
			return Messaging{}, fmt.Errorf("SCYLLA_HOSTS is required")
		}
	case "memory":
	default:
		return Messaging{}, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}

	timeout, err := parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second)
	if err != nil {
		return Messaging{}, err
	}
	cfg.ScyllaTimeout = timeout

	consistency, err := parseConsistency(getEnv("SCYLLA_CONSISTENCY", "quorum"))
	if err != nil {
		return Messaging{}, err
	}
	cfg.ScyllaConsistency = consistency
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	return cfg, nil
}

// LoadGateway parses the gateway environment.
func LoadGateway() (Gateway, error) {
	cfg := Gateway{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		AllowOrigins:      splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "*")),
		MessagingGRPCAddr: getEnv("MESSAGING_GRPC_ADDR", "localhost:9000"),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDB:           getEnv("MONGO_DB", "marketchat"),
		KafkaBrokers:      splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:        getEnv("KAFKA_MESSAGES_TOPIC", "marketchat.messages"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "marketchat-gateway"),
		RedisAddr:         strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           parseIntWithDefault(strings.TrimSpace(os.Getenv("REDIS_DB")), 0),
		S3Endpoint:        strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3PublicEndpoint:  getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:          getEnv("S3_BUCKET", "marketchat-avatars"),
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"MESSAGING_GRPC_DIAL_TIMEOUT", 3 * time.Second, &cfg.MessagingGRPCDial},
		{"MESSAGING_GRPC_TIMEOUT", 5 * time.Second, &cfg.MessagingGRPCTime},
		{"PROFILE_CACHE_TTL", 10 * time.Minute, &cfg.ProfileCacheTTL},
		{"AVATAR_URL_TTL", time.Hour, &cfg.AvatarURLTTL},
		{"WS_PING_INTERVAL", 25 * time.Second, &cfg.WSPingInterval},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return Gateway{}, err
		}
		*d.dst = v
	}

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Gateway{}, err
	}
	cfg.S3UseSSL = useSSL
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}
	if cfg.MessagingGRPCAddr == "" {
		return Gateway{}, fmt.Errorf("MESSAGING_GRPC_ADDR is required")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaGroupID == "" {
		return Gateway{}, fmt.Errorf("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v == 0 {
		return def
	}
	return v
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}
