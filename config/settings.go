package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

const (
	NodeRoleDesktop = "desktop"
	NodeRoleCentral = "central"
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMySQL    = "mysql"
)

// Settings is the process configuration. It is read once at startup and passed down explicitly.
type Settings struct {
	NodeId   string
	NodeRole string

	StoreDriver string
	SQLitePath  string
	DatabaseDSN string

	SyncRemoteURL   string
	SyncAPIKey      string
	SyncInterval    time.Duration
	SyncBatchDelay  time.Duration
	SyncHTTPTimeout time.Duration

	RedisAddress string

	PubSubProjectId    string
	NotifyTopic        string
	NotifyWebhookURL   string
	PubSubCreateTopics bool

	ExportBucket  string
	ExportLinkTTL time.Duration

	Port               string
	CORSAllowedOrigins []string
	Production         bool
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// LoadSettings reads Settings from the environment, applying defaults for the given role.
func LoadSettings(role string) Settings {
	s := Settings{
		NodeId:   utils.StringFromEnv("NODE_ID", defaultNodeId()),
		NodeRole: role,

		StoreDriver: strings.ToLower(utils.StringFromEnv("STORE_DRIVER", defaultDriverFor(role))),
		SQLitePath:  utils.StringFromEnv("SQLITE_PATH", "cashrecon.db"),
		DatabaseDSN: strings.TrimSpace(os.Getenv("DATABASE_DSN")),

		SyncRemoteURL:   strings.TrimRight(utils.StringFromEnv("SYNC_REMOTE_URL", "http://localhost:8080"), "/"),
		SyncAPIKey:      strings.TrimSpace(os.Getenv("SYNC_API_KEY")),
		SyncInterval:    time.Duration(utils.IntFromEnv("SYNC_INTERVAL_SECONDS", 30)) * time.Second,
		SyncBatchDelay:  time.Duration(utils.IntFromEnv("SYNC_BATCH_DELAY_MS", 100)) * time.Millisecond,
		SyncHTTPTimeout: time.Duration(utils.IntFromEnv("SYNC_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,

		RedisAddress: strings.TrimSpace(os.Getenv("REDIS_ADDRESS")),

		PubSubProjectId:    getPubSubProjectID(),
		NotifyTopic:        utils.StringFromEnv("NOTIFY_TOPIC", "reconciliation-notifications"),
		NotifyWebhookURL:   strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),
		PubSubCreateTopics: utils.EnvBoolDefault("PUBSUB_CREATE_TOPICS", false),

		ExportBucket:  strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		ExportLinkTTL: time.Duration(utils.IntFromEnv("EXPORT_LINK_TTL_MINUTES", 15)) * time.Minute,

		Port:               utils.StringFromEnv("PORT", defaultPortFor(role)),
		CORSAllowedOrigins: utils.SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Production:         strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
	}
	if s.DatabaseDSN == "" && s.StoreDriver != StoreDriverSQLite {
		s.DatabaseDSN = dsnFromParts(s.StoreDriver)
	}
	return s
}

func defaultNodeId() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "node-1"
	}
	return host
}

func defaultDriverFor(role string) string {
	if role == NodeRoleCentral {
		return StoreDriverPostgres
	}
	return StoreDriverSQLite
}

func defaultPortFor(role string) string {
	if role == NodeRoleCentral {
		return "8080"
	}
	return "4000"
}

// dsnFromParts builds a DSN from the DB_* variables used by the hosted deployments.
func dsnFromParts(driver string) string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := utils.StringFromEnv("DB_HOST", "localhost")
	dbName := os.Getenv("DB_NAME")

	switch driver {
	case StoreDriverMySQL:
		dbPort := utils.StringFromEnv("DB_PORT", "3306")
		network := "tcp"
		address := fmt.Sprintf("%s:%s", dbHost, dbPort)
		// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> connects over the proxy's unix socket.
		if strings.HasPrefix(dbHost, "/cloudsql/") {
			network = "unix"
			address = dbHost
		}
		return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
			dbUser, dbPassword, network, address, dbName)
	default:
		dbPort := utils.StringFromEnv("DB_PORT", "5432")
		sslMode := utils.StringFromEnv("DB_SSLMODE", "disable")
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			dbHost, dbUser, dbPassword, dbName, dbPort, sslMode)
	}
}
