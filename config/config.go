// Package config handles configuration persistence for ccmlink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"ccmlink/tags"
)

// DefaultSecret is the shared secret of the login gate until one is set.
const DefaultSecret = "cooperoeste1234"

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace     string            `yaml:"namespace"` // Required: instance namespace for topic/key isolation
	Backend       BackendConfig     `yaml:"backend"`
	Panels        []PanelConfig     `yaml:"panels"`
	PollRate      time.Duration     `yaml:"poll_rate"`       // Per-panel pollers
	MultiPollRate time.Duration     `yaml:"multi_poll_rate"` // All-panels poller
	Efficiency    EfficiencyConfig  `yaml:"efficiency"`
	MotorStream   MotorStreamConfig `yaml:"motor_stream"`
	Aliases       []tags.AliasGroup `yaml:"aliases,omitempty"`
	Web           WebConfig         `yaml:"web"`
	MQTT          []MQTTConfig      `yaml:"mqtt"`
	Valkey        []ValkeyConfig    `yaml:"valkey,omitempty"`
	Kafka         []KafkaConfig     `yaml:"kafka,omitempty"`
	Webhooks      []WebhookConfig   `yaml:"webhooks,omitempty"`
	Logging       LoggingConfig     `yaml:"logging"`
	Metrics       MetricsConfig     `yaml:"metrics"`
	UI            UIConfig          `yaml:"ui,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// BackendConfig points at the tag backend.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Contract selects how the all-panels poller fetches: "per_panel" issues
	// one request per panel, "unified" a single /api/modbus/tags/all request.
	Contract string `yaml:"contract"`
	// PanelSuffixSep separates tag name and panel id in flat unified bodies.
	PanelSuffixSep string `yaml:"panel_suffix_sep,omitempty"`
}

// PanelConfig describes one CCM panel.
type PanelConfig struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Enabled bool           `yaml:"enabled"`
	Tags    []tags.Display `yaml:"tags,omitempty"` // Readings shown on the panel view
}

// EfficiencyConfig controls the efficiency report pollers.
type EfficiencyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	PollRate time.Duration `yaml:"poll_rate"`
}

// MotorStreamConfig controls the motor overview SSE reader.
type MotorStreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// UIConfig stores terminal user interface preferences.
type UIConfig struct {
	Theme     string `yaml:"theme,omitempty"`
	ASCIIMode bool   `yaml:"ascii_mode,omitempty"` // ASCII borders for terminals without Unicode
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
	UI      WebUIConfig  `yaml:"ui"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebUIConfig holds the login gate settings.
type WebUIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SessionSecret string        `yaml:"session_secret,omitempty"`
	SecretHash    string        `yaml:"secret_hash,omitempty"` // bcrypt of the shared secret
	SessionMaxAge time.Duration `yaml:"session_max_age,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Commands bool   `yaml:"commands,omitempty"` // Subscribe to {ns}/{panel}/cmd
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// AutoCreateTopics is a pointer so that "not set" can default to true.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"`
}

// WebhookConfig describes an alarm webhook target.
type WebhookConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	URL         string            `yaml:"url" json:"url"`
	Method      string            `yaml:"method,omitempty" json:"method,omitempty"` // Default POST
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Token       string            `yaml:"token,omitempty" json:"token,omitempty"` // Bearer token
	MinSeverity string            `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`
	Cooldown    time.Duration     `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// LoggingConfig configures the structured logger and the debug log.
type LoggingConfig struct {
	Level  string `yaml:"level"`           // debug, info, warn, error
	Format string `yaml:"format"`          // text or json
	File   string `yaml:"file,omitempty"`  // Also append to this file
	Debug  string `yaml:"debug,omitempty"` // Comma-separated debug subsystems, or "all"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "ccmlink",
		Backend: BackendConfig{
			BaseURL:        "http://localhost:9090",
			Timeout:        5 * time.Second,
			Contract:       "per_panel",
			PanelSuffixSep: "@",
		},
		Panels: []PanelConfig{
			{ID: "ccm1", Name: "CCM 1", Enabled: true, Tags: DefaultCatalog("CCM1")},
			{ID: "ccm2", Name: "CCM 2", Enabled: true, Tags: DefaultCatalog("CCM2")},
		},
		PollRate:      time.Second,
		MultiPollRate: 1500 * time.Millisecond,
		Efficiency: EfficiencyConfig{
			Enabled:  true,
			PollRate: 5 * time.Second,
		},
		MotorStream: MotorStreamConfig{
			Enabled:        true,
			ReconnectDelay: 3 * time.Second,
		},
		Aliases: tags.DefaultAliases(),
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			API: WebAPIConfig{
				Enabled: true,
			},
			UI: WebUIConfig{
				Enabled:       true,
				SessionMaxAge: 12 * time.Hour,
			},
		},
		MQTT:     []MQTTConfig{},
		Valkey:   []ValkeyConfig{},
		Kafka:    []KafkaConfig{},
		Webhooks: []WebhookConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultCatalog returns the standard reading catalog of a panel whose tags
// carry the given prefix, e.g. "CCM1".
func DefaultCatalog(prefix string) []tags.Display {
	d := func(suffix, label, unit string, decimals int) tags.Display {
		return tags.Display{Tag: prefix + "_" + suffix, Label: label, Unit: unit, Decimals: decimals}
	}
	return []tags.Display{
		d("POTENCIA", "POTÊNCIA", "kVA", 1),
		d("TENSAO_LL_L1L2", "TENSÃO LL L1-L2", "V", 0),
		d("TENSAO_LL_L2L3", "TENSÃO LL L2-L3", "V", 0),
		d("TENSAO_LL_L3L1", "TENSÃO LL L3-L1", "V", 0),
		d("TENSAO_LN_L1N", "TENSÃO LN L1-N", "V", 0),
		d("TENSAO_LN_L2N", "TENSÃO LN L2-N", "V", 0),
		d("TENSAO_LN_L3N", "TENSÃO LN L3-N", "V", 0),
		d("CORRENTE_L1", "CORRENTE L1", "A", 0),
		d("CORRENTE_L2", "CORRENTE L2", "A", 0),
		d("CORRENTE_L3", "CORRENTE L3", "A", 0),
		d("FATOR_POTENCIA", "FATOR DE POTÊNCIA", "", 2),
		d("FREQUENCIA", "FREQUÊNCIA", "Hz", 1),
		d("CONSUMO_TOTAL", "CONSUMO TOTAL", "kWh", 0),
		d("TEMP_PAINEL", "TEMPERATURA PAINEL (CCM)", "°C", 1),
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".ccmlink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Web.UI.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.UI.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if cfg.Web.UI.SecretHash == "" {
		hash, err := HashSecret(DefaultSecret)
		if err != nil {
			return nil, err
		}
		cfg.Web.UI.SecretHash = hash
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// HashSecret returns the bcrypt hash stored in web.ui.secret_hash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindPanel returns the panel with the given id, or nil if not found.
func (c *Config) FindPanel(id string) *PanelConfig {
	for i := range c.Panels {
		if c.Panels[i].ID == id {
			return &c.Panels[i]
		}
	}
	return nil
}

// PanelIDs returns the ids of the enabled panels in configured order.
func (c *Config) PanelIDs() []string {
	ids := make([]string, 0, len(c.Panels))
	for _, p := range c.Panels {
		if p.Enabled {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT broker configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT broker configuration by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindWebhook returns the webhook with the given name, or nil if not found.
func (c *Config) FindWebhook(name string) *WebhookConfig {
	for i := range c.Webhooks {
		if c.Webhooks[i].Name == name {
			return &c.Webhooks[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("namespace %q contains invalid characters (allowed: alphanumeric, hyphen, underscore, dot)", c.Namespace)
	}
	switch c.Backend.Contract {
	case "", "per_panel", "unified":
	default:
		return fmt.Errorf("backend.contract %q must be per_panel or unified", c.Backend.Contract)
	}
	if c.Backend.Contract == "unified" && c.Backend.PanelSuffixSep == "" {
		return fmt.Errorf("backend.panel_suffix_sep is required for the unified contract")
	}

	seen := make(map[string]bool)
	enabled := 0
	for _, p := range c.Panels {
		if p.ID == "" {
			return fmt.Errorf("panel id is required")
		}
		if !IsValidNamespace(p.ID) {
			return fmt.Errorf("panel id %q contains invalid characters", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate panel id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one panel must be enabled")
	}

	for _, a := range c.Aliases {
		if strings.TrimSpace(a.Canonical) == "" || len(a.Legacy) == 0 {
			return fmt.Errorf("alias group needs a canonical name and at least one legacy name")
		}
	}
	for _, w := range c.Webhooks {
		if w.Enabled && w.URL == "" {
			return fmt.Errorf("webhook %q has no url", w.Name)
		}
	}
	return nil
}

// IsValidNamespace checks if a namespace string contains only valid characters.
// Valid characters are alphanumeric, hyphen, underscore, and dot.
func IsValidNamespace(ns string) bool {
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
