package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models paytag.yml.
type Config struct {
	Registry Registry        `yaml:"registry"`
	Token    Token           `yaml:"token"`
	Chain    Chain           `yaml:"chain"`
	Log      Log             `yaml:"log"`
	Server   Server          `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// Registry holds the protocol constants enforced by the lifecycle engine.
type Registry struct {
	Admin           string `yaml:"admin" validate:"required"`
	MinAmount       uint64 `yaml:"min_amount" validate:"gt=0"`
	MaxDuration     uint64 `yaml:"max_duration" validate:"gt=0"`
	MaxTagsPerParty int    `yaml:"max_tags_per_party" validate:"gt=0"`
	MaxMemoLength   int    `yaml:"max_memo_length" validate:"gt=0"`
	MaxBatch        int    `yaml:"max_batch" validate:"gt=0,lte=200"`
}

type Token struct {
	Symbol   string `yaml:"symbol" validate:"required"`
	Decimals int32  `yaml:"decimals" validate:"gte=0,lte=18"`
}

// Chain describes how wall time maps to heights.
type Chain struct {
	Genesis       time.Time     `yaml:"genesis" validate:"required"`
	BlockInterval time.Duration `yaml:"block_interval" validate:"gt=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type Server struct {
	RateLimit   RateLimit `yaml:"rate_limit"`
	CORSOrigins []string  `yaml:"cors_origins"`
}

// RateLimit applies per caller to mutating endpoints. RPS 0 disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// WebhookConfig points at an external indexer that receives committed events.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s %s", configPath(fe.Namespace()), friendlyMessage(fe)))
		}
		sort.Strings(msgs)
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if c.Registry.MinAmount > maxAmount {
		return fmt.Errorf("invalid config: registry.min_amount exceeds %d", maxAmount)
	}
	if c.Registry.MaxDuration > maxAmount {
		return fmt.Errorf("invalid config: registry.max_duration exceeds %d", maxAmount)
	}
	for i, hook := range c.Webhooks {
		for _, evt := range hook.Events {
			if !knownEvent(evt) {
				return fmt.Errorf("invalid config: webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// maxAmount is the largest amount or height the SQL store can hold.
const maxAmount = 1<<63 - 1

var eventNames = []string{"tag_created", "tag_fulfilled", "tag_canceled", "tag_expired", "pause_toggled"}

func knownEvent(name string) bool {
	for _, n := range eventNames {
		if n == name {
			return true
		}
	}
	return false
}

func configPath(ns string) string {
	// drop the root struct name
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func friendlyMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paytag.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ptag init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(DefaultAdmin), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// DefaultAdmin is the administrator identity seeded into new configs.
const DefaultAdmin = "admin"

// GenerateDefault returns default config YAML.
func GenerateDefault(admin string) string {
	return fmt.Sprintf(defaultTemplate, admin)
}

// Default returns the default Config struct.
func Default(admin string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(admin)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default(DefaultAdmin)
	// keep defaults for sections the file leaves out
	cfg.Webhooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `registry:
  admin: %s
  # smallest accepted amount, in base token units
  min_amount: 1000
  # heights; 4320 blocks is roughly 30 days at 10 minute blocks
  max_duration: 4320
  max_tags_per_party: 100
  max_memo_length: 256
  max_batch: 20

token:
  symbol: uSTX
  decimals: 6

chain:
  genesis: 2024-01-01T00:00:00Z
  block_interval: 10m

log:
  level: info
  format: text

server:
  rate_limit:
    rps: 5
    burst: 10
  cors_origins: []

webhooks: []
`
