package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration: loaded from an optional YAML
// file, then overridden field by field from TEAMSYNC_* environment variables.
// Components receive it explicitly at construction; there are no ambient
// globals.
type Config struct {
	Addr            string `yaml:"addr"`
	NotificationURL string `yaml:"notificationUrl"`
	Resource        string `yaml:"resource"`

	StoreDSN  string `yaml:"storeDsn"`
	QueueDSN  string `yaml:"queueDsn"`
	QueueSize int    `yaml:"queueSize"`
	Workers   int    `yaml:"workers"`

	SubscriptionTTL Duration `yaml:"subscriptionTtl"`
	RenewalWindow   Duration `yaml:"renewalWindow"`
	RenewalInterval Duration `yaml:"renewalInterval"`
	MaxPages        int      `yaml:"maxPages"`

	FeedBaseURL         string `yaml:"feedBaseUrl"`
	SubscriptionBaseURL string `yaml:"subscriptionBaseUrl"`
	ProvisionBaseURL    string `yaml:"provisionBaseUrl"`

	TokenFile string `yaml:"tokenFile"`
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwtSecret"`
	DryRun    bool   `yaml:"dryRun"`
}

func defaults() Config {
	return Config{
		Addr:            ":8080",
		StoreDSN:        "memory://",
		QueueDSN:        "memory://",
		QueueSize:       1024,
		Workers:         2,
		SubscriptionTTL: Duration(48 * time.Hour),
		RenewalWindow:   Duration(6 * time.Hour),
		RenewalInterval: Duration(30 * time.Minute),
		MaxPages:        1000,
	}
}

// Load reads the YAML file at path (skipped when path is empty) and applies
// environment overrides on top of built-in defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	stringEnv("TEAMSYNC_ADDR", &c.Addr)
	stringEnv("TEAMSYNC_NOTIFICATION_URL", &c.NotificationURL)
	stringEnv("TEAMSYNC_RESOURCE", &c.Resource)
	stringEnv("TEAMSYNC_STORE_DSN", &c.StoreDSN)
	stringEnv("TEAMSYNC_QUEUE_DSN", &c.QueueDSN)
	intEnv("TEAMSYNC_QUEUE_SIZE", &c.QueueSize)
	intEnv("TEAMSYNC_WORKERS", &c.Workers)
	durationEnv("TEAMSYNC_SUBSCRIPTION_TTL", &c.SubscriptionTTL)
	durationEnv("TEAMSYNC_RENEWAL_WINDOW", &c.RenewalWindow)
	durationEnv("TEAMSYNC_RENEWAL_INTERVAL", &c.RenewalInterval)
	intEnv("TEAMSYNC_MAX_PAGES", &c.MaxPages)
	stringEnv("TEAMSYNC_FEED_BASE_URL", &c.FeedBaseURL)
	stringEnv("TEAMSYNC_SUBSCRIPTION_BASE_URL", &c.SubscriptionBaseURL)
	stringEnv("TEAMSYNC_PROVISION_BASE_URL", &c.ProvisionBaseURL)
	stringEnv("TEAMSYNC_TOKEN_FILE", &c.TokenFile)
	stringEnv("TEAMSYNC_TOKEN", &c.Token)
	stringEnv("TEAMSYNC_JWT_SECRET", &c.JWTSecret)
	boolEnv("TEAMSYNC_DRY_RUN", &c.DryRun)
}

// Validate checks the fields serving cannot run without. Permanent
// configuration errors surface here, at startup, not mid-pass.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Resource) == "" {
		return fmt.Errorf("resource is required")
	}
	if strings.TrimSpace(c.NotificationURL) == "" {
		return fmt.Errorf("notificationUrl is required")
	}
	// Dry run stubs provisioning only; the feed and subscription clients
	// still make real calls and need credentials.
	if strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.TokenFile) == "" {
		return fmt.Errorf("token or tokenFile is required")
	}
	if strings.TrimSpace(c.FeedBaseURL) == "" {
		return fmt.Errorf("feedBaseUrl is required")
	}
	if strings.TrimSpace(c.SubscriptionBaseURL) == "" {
		return fmt.Errorf("subscriptionBaseUrl is required")
	}
	if !c.DryRun && strings.TrimSpace(c.ProvisionBaseURL) == "" {
		return fmt.Errorf("provisionBaseUrl is required")
	}
	return nil
}

func stringEnv(name string, target *string) {
	if raw, ok := os.LookupEnv(name); ok && strings.TrimSpace(raw) != "" {
		*target = strings.TrimSpace(raw)
	}
}

func intEnv(name string, target *int) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, keeping %d\n", name, raw, *target)
		return
	}
	*target = value
}

func durationEnv(name string, target *Duration) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, keeping %s\n", name, raw, target.Std())
		return
	}
	*target = Duration(value)
}

func boolEnv(name string, target *bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, keeping %t\n", name, raw, *target)
		return
	}
	*target = value
}
