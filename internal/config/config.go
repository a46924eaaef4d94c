package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/repairtrack/engine/internal/domain"
)

// MaxNotificationCapacity bounds the in-memory notification buffer.
const MaxNotificationCapacity = 10

// ToastConfig selects where toasts are fanned out in addition to the log.
type ToastConfig struct {
	NATSURL string `json:"nats_url" yaml:"nats_url"`
	Subject string `json:"subject" yaml:"subject"`
}

// SaveLockConfig selects the checklist save lock backend. An empty RedisAddr
// uses an in-process lock.
type SaveLockConfig struct {
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	TTLSec    int    `json:"ttl_sec" yaml:"ttl_sec"`
}

// ArchiveConfig enables copying completed checklists to S3 when Bucket is set.
type ArchiveConfig struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

// Config holds the service's runtime configuration.
type Config struct {
	DBPath               string         `json:"db_path" yaml:"db_path"`
	ListenAddr           string         `json:"listen_addr" yaml:"listen_addr"`
	LogLevel             string         `json:"log_level" yaml:"log_level"`
	LogFile              string         `json:"log_file" yaml:"log_file"`
	RequireChecklist     bool           `json:"require_checklist" yaml:"require_checklist"`
	NotificationCapacity int            `json:"notification_capacity" yaml:"notification_capacity"`
	TemplatesFile        string         `json:"templates_file" yaml:"templates_file"`
	Toast                ToastConfig    `json:"toast" yaml:"toast"`
	SaveLock             SaveLockConfig `json:"save_lock" yaml:"save_lock"`
	Archive              ArchiveConfig  `json:"archive" yaml:"archive"`
}

// Load reads a JSON or YAML config file, applies RT_* environment overrides
// and defaults, and validates. An empty path configures from the environment
// alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config YAML: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config JSON: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RT_DB_PATH", &c.DBPath)
	str("RT_LISTEN_ADDR", &c.ListenAddr)
	str("RT_LOG_LEVEL", &c.LogLevel)
	str("RT_LOG_FILE", &c.LogFile)
	str("RT_TEMPLATES_FILE", &c.TemplatesFile)
	str("RT_NATS_URL", &c.Toast.NATSURL)
	str("RT_NATS_SUBJECT", &c.Toast.Subject)
	str("RT_REDIS_ADDR", &c.SaveLock.RedisAddr)
	str("RT_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("RT_ARCHIVE_REGION", &c.Archive.Region)
	str("RT_ARCHIVE_PREFIX", &c.Archive.Prefix)

	if v, ok := lookup("RT_REQUIRE_CHECKLIST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return domain.Detail(domain.ErrConfigInvalid, "RT_REQUIRE_CHECKLIST: %v", err)
		}
		c.RequireChecklist = b
	}
	if v, ok := lookup("RT_NOTIFICATION_CAPACITY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Detail(domain.ErrConfigInvalid, "RT_NOTIFICATION_CAPACITY: %v", err)
		}
		c.NotificationCapacity = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "repairtrack.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NotificationCapacity == 0 {
		c.NotificationCapacity = MaxNotificationCapacity
	}
	if c.Toast.NATSURL != "" && c.Toast.Subject == "" {
		c.Toast.Subject = "repairtrack.toasts"
	}
	if c.SaveLock.TTLSec == 0 {
		c.SaveLock.TTLSec = 30
	}
	if c.Archive.Bucket != "" && c.Archive.Prefix == "" {
		c.Archive.Prefix = "checklists/"
	}
}

func (c *Config) validate() error {
	var problems []string

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.NotificationCapacity < 0 || c.NotificationCapacity > MaxNotificationCapacity {
		problems = append(problems, fmt.Sprintf("notification_capacity must be between 1 and %d", MaxNotificationCapacity))
	}
	if c.SaveLock.TTLSec < 0 {
		problems = append(problems, "save_lock.ttl_sec must be positive")
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		problems = append(problems, "archive.region is required when archive.bucket is set")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
