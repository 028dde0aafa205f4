package mesh

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the unified configuration of the neuromesh service.
type Config struct {
	Consensus Params       `yaml:"consensus" json:"consensus"`
	MQTT      MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	HTTP      HTTPConfig   `yaml:"http" json:"http"`
	Render    RenderConfig `yaml:"render" json:"render"`
	// Sources are reconstructions fetched over HTTP in addition to the
	// data directory.
	Sources []RemoteSource `yaml:"sources,omitempty" json:"sources,omitempty"`
	// StateCache is where the service persists its last consensus; empty
	// disables persistence.
	StateCache string `yaml:"stateCache,omitempty" json:"stateCache,omitempty"`
}

// RemoteSource is one SWC reconstruction served over HTTP.
type RemoteSource struct {
	Name       string  `yaml:"name" json:"name"`
	URL        string  `yaml:"url" json:"url"`
	Confidence float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables
// publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the HTTP server settings.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// RenderConfig selects how consensus images are drawn.
type RenderConfig struct {
	Format     string  `yaml:"format" json:"format"`         // svg or png
	Projection string  `yaml:"projection" json:"projection"` // xy, xz or yz
	Padding    float64 `yaml:"padding" json:"padding"`       // microns around the skeleton
	Resolution float64 `yaml:"resolution" json:"resolution"` // PNG DPI
}

// DefaultConfig returns a configuration with default consensus parameters,
// HTTP on port 4040 and MQTT disabled.
func DefaultConfig() *Config {
	return &Config{
		Consensus: DefaultParams(),
		MQTT: MQTTConfig{
			PublishPrefix: "neuromesh",
			ClientID:      "neuromesh",
		},
		HTTP: HTTPConfig{Port: 4040},
		Render: RenderConfig{
			Format:     "svg",
			Projection: string(ProjectionXY),
			Padding:    10,
			Resolution: 150,
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Missing keys keep
// their defaults and MQTT_* environment variables override the mqtt section.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides MQTT settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.MQTT.Broker != "" && c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required when a broker is set")
	}
	switch strings.ToLower(c.Render.Format) {
	case "svg", "png":
	default:
		return fmt.Errorf("render.format must be svg or png, got %q", c.Render.Format)
	}
	if _, err := ParseProjection(c.Render.Projection); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if c.Render.Padding < 0 {
		return fmt.Errorf("render.padding must not be negative")
	}
	for i, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("sources[%d]: url is required", i)
		}
		if src.Confidence < 0 {
			return fmt.Errorf("sources[%d]: confidence must not be negative", i)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
