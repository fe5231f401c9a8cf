package profile

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeKind identifies the role a process plays in the cluster.
type NodeKind string

const (
	NodeKindBot    NodeKind = "bot"
	NodeKindWeb    NodeKind = "web"
	NodeKindWorker NodeKind = "worker"
)

// Profile is the boot configuration of a deskops process. Runtime options
// (topic ids, intervals, delete delays) live in core.settings and are read
// through store.Settings; the profile only carries what is needed before the
// database is reachable.
type Profile struct {
	Mode     string // "prod" or "dev"
	NodeID   string
	NodeKind NodeKind
	Hostname string

	DSN       string // PostgreSQL connection string
	RedisAddr string
	RedisDB   int

	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv fills unset fields from DESKOPS_* environment variables.
func (p *Profile) FromEnv() {
	if p.DSN == "" {
		p.DSN = getEnvOrDefault("DESKOPS_DSN", "")
	}
	if p.RedisAddr == "" {
		p.RedisAddr = getEnvOrDefault("DESKOPS_REDIS_ADDR", "localhost:6379")
	}
	if p.RedisDB == 0 {
		p.RedisDB = getEnvOrDefaultInt("DESKOPS_REDIS_DB", 0)
	}
	if p.Hostname == "" {
		p.Hostname = getEnvOrDefault("DESKOPS_HOSTNAME", "")
		if p.Hostname == "" {
			if host, err := os.Hostname(); err == nil {
				p.Hostname = host
			}
		}
	}
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	switch p.NodeKind {
	case NodeKindBot, NodeKindWeb, NodeKindWorker:
	case "":
		p.NodeKind = NodeKindBot
	default:
		return errors.Errorf("unknown node kind %q", p.NodeKind)
	}
	if strings.TrimSpace(p.DSN) == "" {
		return errors.New("database DSN is required (set DESKOPS_DSN)")
	}
	if p.NodeID == "" {
		return errors.New("node id is required")
	}
	return nil
}
