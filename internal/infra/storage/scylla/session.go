package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gocql/gocql"

	"marketchat/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession ensures schema exists and returns a connected Scylla session.
func NewSession(cfg config.Messaging, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.ScyllaKeyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.ScyllaKeyspace)
	}

	baseCluster := newCluster(cfg)
	baseSession, err := baseCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()

	if err := ensureKeyspace(context.Background(), baseSession, cfg); err != nil {
		return nil, err
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.ScyllaKeyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.ScyllaKeyspace, err)
	}
	if err := ensureTables(context.Background(), session, cfg.ScyllaKeyspace); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace)
	}
	return session, nil
}

func newCluster(cfg config.Messaging) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Timeout = cfg.ScyllaTimeout
	cluster.Consistency = cfg.ScyllaConsistency
	cluster.SerialConsistency = gocql.LocalSerial
	if cfg.ScyllaUsername != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.ScyllaUsername,
			Password: cfg.ScyllaPassword,
		}
		// avoid long stalls on auth/connect
		cluster.ConnectTimeout = cfg.ScyllaTimeout
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.Messaging) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.ScyllaKeyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

var schema = []struct {
	name string
	cql  string
}{
	{"conversations", `
CREATE TABLE IF NOT EXISTS %s.conversations (
	id text PRIMARY KEY,
	client_id text,
	provider_id text,
	request_id text,
	created_at timestamp,
	last_message_at timestamp,
	last_message_text text,
	last_read_at timestamp
);`},
	{"conversation_keys", `
CREATE TABLE IF NOT EXISTS %s.conversation_keys (
	key text PRIMARY KEY,
	conversation_id text
);`},
	{"conversations_by_user", `
CREATE TABLE IF NOT EXISTS %s.conversations_by_user (
	user_id text,
	conversation_id text,
	PRIMARY KEY (user_id, conversation_id)
);`},
	{"messages", `
CREATE TABLE IF NOT EXISTS %s.messages (
	conversation_id text,
	created_at timestamp,
	message_id text,
	sender_id text,
	text text,
	is_system boolean,
	PRIMARY KEY (conversation_id, created_at, message_id)
) WITH CLUSTERING ORDER BY (created_at DESC, message_id ASC);`},
	{"message_ids", `
CREATE TABLE IF NOT EXISTS %s.message_ids (
	message_id text PRIMARY KEY,
	conversation_id text,
	created_at timestamp
);`},
	{"read_cursors", `
CREATE TABLE IF NOT EXISTS %s.read_cursors (
	conversation_id text,
	user_id text,
	last_read_at timestamp,
	PRIMARY KEY (conversation_id, user_id)
);`},
}

func ensureTables(ctx context.Context, session *gocql.Session, keyspace string) error {
	for _, table := range schema {
		if err := session.Query(fmt.Sprintf(table.cql, keyspace)).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
	}
	return nil
}
