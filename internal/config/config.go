package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config is the top-level OrbIT configuration.
type Config struct {
	Server     ServerConfig              `json:"server"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Generation GenerationConfig          `json:"generation"`
	Embeddings EmbeddingConfig           `json:"embeddings"`
	Drafts     DraftConfig               `json:"drafts"`
	Helpdesk   HelpdeskConfig            `json:"helpdesk"`
	Identity   IdentityConfig            `json:"identity"`
	Knowledge  KnowledgeConfig           `json:"knowledge"`
	Connectors ConnectorConfig           `json:"connectors"`
	API        APIConfig                 `json:"api"`
	Schedule   ScheduleConfig            `json:"schedule"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	DataDir    string `json:"data_dir"`
	LocaleFile string `json:"locale_file,omitempty"` // overrides the embedded locale tables
	LogBuffer  int    `json:"log_buffer,omitempty"`  // entries kept for /api/logs
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Type       string `json:"type,omitempty"` // "openai" (default), "azure" or "anthropic"
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model"`
	APIVersion string `json:"api_version,omitempty"` // azure only
}

// GenerationConfig selects the chat provider and shapes completions.
type GenerationConfig struct {
	Provider  string  `json:"provider"` // key into Providers
	MaxTokens int     `json:"max_tokens,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"` // retrieval passages below are dropped
	TopK      int     `json:"top_k,omitempty"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint used
// by knowledge retrieval. Empty APIKey disables retrieval.
type EmbeddingConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model"`
	CacheEntries int64  `json:"cache_entries,omitempty"`
}

// DraftConfig selects the draft store backend.
type DraftConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

// HelpdeskConfig holds Zammad settings.
type HelpdeskConfig struct {
	BaseURL       string `json:"base_url"` // REST root, e.g. https://helpdesk.example.com/api/v1
	WebURL        string `json:"web_url"`  // browser links on cards
	Token         string `json:"token"`
	GroupID       int    `json:"group_id,omitempty"`
	ClosedStateID int    `json:"closed_state_id,omitempty"`
	WebhookSecret string `json:"webhook_secret"`
}

// IdentityConfig controls requester resolution and attachment policy.
type IdentityConfig struct {
	FallbackDomain  string   `json:"fallback_domain"`
	ExternalDomains []string `json:"external_domains,omitempty"` // linked, not uploaded
}

// KnowledgeConfig lists the documentation sources to ingest.
type KnowledgeConfig struct {
	Sources     []string `json:"sources,omitempty"`
	ChunkSize   int      `json:"chunk_size,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// ConnectorConfig holds settings for chat platform connectors.
type ConnectorConfig struct {
	Teams *TeamsConfig `json:"teams,omitempty"`
	Slack *SlackConfig `json:"slack,omitempty"`
}

// TeamsConfig holds Bot Framework credentials.
type TeamsConfig struct {
	AppID       string `json:"app_id"`
	AppPassword string `json:"app_password"`
	TenantID    string `json:"tenant_id,omitempty"`
	SkipAuth    bool   `json:"skip_auth,omitempty"` // local emulator only
}

// SlackConfig holds Slack Socket Mode tokens.
type SlackConfig struct {
	BotToken string   `json:"bot_token"`
	AppToken string   `json:"app_token"`
	Channels []string `json:"channels,omitempty"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Key     string `json:"api_key"`
	TabsDir string `json:"tabs_dir,omitempty"`
}

// ScheduleConfig holds cron jobs. Empty schedules disable their job.
type ScheduleConfig struct {
	PingURL        string `json:"ping_url,omitempty"`
	PingSchedule   string `json:"ping_schedule,omitempty"`
	IngestSchedule string `json:"ingest_schedule,omitempty"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Relative paths are resolved against the config file's directory.
	dir := filepath.Dir(path)
	cfg.Server.LocaleFile = resolve(dir, cfg.Server.LocaleFile)
	cfg.API.TabsDir = resolve(dir, cfg.API.TabsDir)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv builds a config from environment variables with ORBIT_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			DataDir:    getenv("ORBIT_DATA_DIR", "/data"),
			LocaleFile: os.Getenv("ORBIT_LOCALE_FILE"),
			LogBuffer:  getenvInt("ORBIT_LOG_BUFFER", 0),
		},
		Providers: make(map[string]ProviderConfig),
		Generation: GenerationConfig{
			MaxTokens: getenvInt("ORBIT_MAX_TOKENS", 0),
			TopK:      getenvInt("ORBIT_TOP_K", 0),
		},
		Drafts: DraftConfig{
			Driver: getenv("ORBIT_DRAFT_DRIVER", "sqlite"),
			DSN:    os.Getenv("ORBIT_DRAFT_DSN"),
		},
		Helpdesk: HelpdeskConfig{
			BaseURL:       os.Getenv("ORBIT_HELPDESK_URL"),
			WebURL:        os.Getenv("ORBIT_HELPDESK_WEB_URL"),
			Token:         os.Getenv("ORBIT_HELPDESK_TOKEN"),
			GroupID:       getenvInt("ORBIT_HELPDESK_GROUP_ID", 0),
			ClosedStateID: getenvInt("ORBIT_HELPDESK_CLOSED_STATE_ID", 0),
			WebhookSecret: os.Getenv("ORBIT_WEBHOOK_SECRET"),
		},
		Identity: IdentityConfig{
			FallbackDomain:  os.Getenv("ORBIT_FALLBACK_DOMAIN"),
			ExternalDomains: parseList(os.Getenv("ORBIT_EXTERNAL_DOMAINS")),
		},
		Knowledge: KnowledgeConfig{
			Sources:     parseList(os.Getenv("ORBIT_KNOWLEDGE_SOURCES")),
			ChunkSize:   getenvInt("ORBIT_CHUNK_SIZE", 0),
			Concurrency: getenvInt("ORBIT_INGEST_CONCURRENCY", 0),
		},
		API: APIConfig{
			Host:    getenv("ORBIT_API_HOST", "0.0.0.0"),
			Port:    getenvInt("ORBIT_API_PORT", 3978),
			Key:     os.Getenv("ORBIT_API_KEY"),
			TabsDir: os.Getenv("ORBIT_TABS_DIR"),
		},
		Schedule: ScheduleConfig{
			PingURL:        os.Getenv("ORBIT_PING_URL"),
			PingSchedule:   os.Getenv("ORBIT_PING_SCHEDULE"),
			IngestSchedule: os.Getenv("ORBIT_INGEST_SCHEDULE"),
		},
	}

	var err error
	if cfg.Generation.MinScore, err = getenvFloat("ORBIT_MIN_SCORE", 0); err != nil {
		return nil, err
	}

	// Default provider from env
	switch {
	case os.Getenv("ORBIT_ANTHROPIC_API_KEY") != "":
		cfg.Providers["default"] = ProviderConfig{
			Type:   "anthropic",
			APIKey: os.Getenv("ORBIT_ANTHROPIC_API_KEY"),
			Model:  getenv("ORBIT_MODEL", "claude-sonnet-4-20250514"),
		}
	case os.Getenv("ORBIT_AZURE_OPENAI_API_KEY") != "":
		cfg.Providers["default"] = ProviderConfig{
			Type:       "azure",
			APIKey:     os.Getenv("ORBIT_AZURE_OPENAI_API_KEY"),
			BaseURL:    os.Getenv("ORBIT_AZURE_OPENAI_ENDPOINT"),
			Model:      getenv("ORBIT_MODEL", "gpt-4o"),
			APIVersion: getenv("ORBIT_AZURE_API_VERSION", "2024-06-01"),
		}
	case os.Getenv("ORBIT_OPENAI_API_KEY") != "":
		cfg.Providers["default"] = ProviderConfig{
			Type:    "openai",
			APIKey:  os.Getenv("ORBIT_OPENAI_API_KEY"),
			BaseURL: os.Getenv("ORBIT_OPENAI_BASE_URL"),
			Model:   getenv("ORBIT_MODEL", "gpt-4o"),
		}
	}
	if len(cfg.Providers) > 0 {
		cfg.Generation.Provider = "default"
	}

	if key := getenv("ORBIT_EMBEDDING_API_KEY", os.Getenv("ORBIT_OPENAI_API_KEY")); key != "" {
		cfg.Embeddings = EmbeddingConfig{
			APIKey:  key,
			BaseURL: getenv("ORBIT_EMBEDDING_BASE_URL", os.Getenv("ORBIT_OPENAI_BASE_URL")),
			Model:   os.Getenv("ORBIT_EMBEDDING_MODEL"),
		}
	}

	if id := os.Getenv("ORBIT_TEAMS_APP_ID"); id != "" {
		cfg.Connectors.Teams = &TeamsConfig{
			AppID:       id,
			AppPassword: os.Getenv("ORBIT_TEAMS_APP_PASSWORD"),
			TenantID:    os.Getenv("ORBIT_TEAMS_TENANT_ID"),
			SkipAuth:    os.Getenv("ORBIT_TEAMS_SKIP_AUTH") == "true",
		}
	}
	if token := os.Getenv("ORBIT_SLACK_BOT_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken: token,
			AppToken: os.Getenv("ORBIT_SLACK_APP_TOKEN"),
			Channels: parseList(os.Getenv("ORBIT_SLACK_CHANNELS")),
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = "./data"
	}
	if c.Server.LogBuffer <= 0 {
		c.Server.LogBuffer = 2000
	}
	if c.Generation.Provider == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			c.Generation.Provider = name
		}
	}
	if c.Generation.TopK <= 0 {
		c.Generation.TopK = 5
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.CacheEntries == 0 {
		c.Embeddings.CacheEntries = 1024
	}
	if c.Drafts.Driver == "" {
		c.Drafts.Driver = "sqlite"
	}
	if c.Helpdesk.WebURL == "" {
		c.Helpdesk.WebURL = strings.TrimSuffix(strings.TrimRight(c.Helpdesk.BaseURL, "/"), "/api/v1")
	}
	if c.Knowledge.ChunkSize <= 0 {
		c.Knowledge.ChunkSize = 1000
	}
	if c.Knowledge.Concurrency <= 0 {
		c.Knowledge.Concurrency = 4
	}
	if c.API.Port == 0 {
		c.API.Port = 3978
	}
	if c.Schedule.PingURL != "" && c.Schedule.PingSchedule == "" {
		c.Schedule.PingSchedule = "*/5 * * * *"
	}
}

// DraftPath is the SQLite draft database location.
func (c *Config) DraftPath() string { return filepath.Join(c.Server.DataDir, "drafts.db") }

// IndexPath is the knowledge index location.
func (c *Config) IndexPath() string { return filepath.Join(c.Server.DataDir, "knowledge.db") }

// DirectoryPath is the conversation directory location.
func (c *Config) DirectoryPath() string { return filepath.Join(c.Server.DataDir, "directory.db") }

// Validate checks for required fields and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.DataDir == "" {
		errs = append(errs, "server.data_dir is required")
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
		switch p.Type {
		case "", "openai", "anthropic":
		case "azure":
			if p.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("providers.%s.base_url is required for azure", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not supported", name, p.Type))
		}
	}
	if c.Generation.Provider == "" && len(c.Providers) > 1 {
		errs = append(errs, "generation.provider is required when several providers are configured")
	}
	if c.Generation.Provider != "" {
		if _, ok := c.Providers[c.Generation.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("generation.provider references unknown provider %q", c.Generation.Provider))
		}
	}

	switch c.Drafts.Driver {
	case "sqlite":
	case "postgres":
		if c.Drafts.DSN == "" {
			errs = append(errs, "drafts.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("drafts.driver %q is not supported", c.Drafts.Driver))
	}

	if c.Helpdesk.BaseURL == "" {
		errs = append(errs, "helpdesk.base_url is required")
	}
	if c.Helpdesk.Token == "" {
		errs = append(errs, "helpdesk.token is required")
	}
	// The ticket tab routes are always mounted.
	if c.API.Key == "" {
		errs = append(errs, "api.api_key is required")
	}

	if len(c.Knowledge.Sources) > 0 && c.Embeddings.APIKey == "" {
		errs = append(errs, "embeddings.api_key is required when knowledge.sources are set")
	}

	if t := c.Connectors.Teams; t != nil {
		if t.AppID == "" {
			errs = append(errs, "connectors.teams.app_id is required")
		}
		if t.AppPassword == "" {
			errs = append(errs, "connectors.teams.app_password is required")
		}
	}
	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" {
			errs = append(errs, "connectors.slack.bot_token is required")
		}
		if s.AppToken == "" {
			errs = append(errs, "connectors.slack.app_token is required")
		}
	}

	for field, spec := range map[string]string{
		"schedule.ping_schedule":   c.Schedule.PingSchedule,
		"schedule.ingest_schedule": c.Schedule.IngestSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q: %v", field, spec, err))
		}
	}
	if c.Schedule.PingSchedule != "" && c.Schedule.PingURL == "" {
		errs = append(errs, "schedule.ping_url is required with ping_schedule")
	}

	if len(errs) > 0 {
		// Map iteration above is unordered; keep output stable.
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid number %q", key, v)
	}
	return f, nil
}

// parseList splits a comma-separated value, dropping blanks.
func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
