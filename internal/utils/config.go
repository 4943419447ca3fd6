package utils

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"locshare/internal/ha"
	"locshare/pkg/file"
)

// Defaults applied to fields left out of the configuration file.
const (
	DefaultScanIntervalSeconds = 60
	DefaultMaxGPSAccuracy      = 100000
	DefaultDiscoveryPrefix     = "homeassistant"
	DefaultTopicBase           = "locshare"
	DefaultWorkers             = 2
	DefaultQOS                 = 1
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker          string `yaml:"broker" validate:"required"`           // MQTT broker address
		ClientID        string `yaml:"client_id" validate:"required"`        // MQTT client ID
		Username        string `yaml:"username"`                            // Optional broker username
		Password        string `yaml:"password"`                            // Optional broker password
		CACertificate   string `yaml:"ca_certificate"`                      // Path to the CA certificate, enables TLS
		QOS             *int   `yaml:"qos" validate:"required,min=0,max=2"` // MQTT QoS level for published messages, pointer so 0 is configurable
		DiscoveryPrefix string `yaml:"discovery_prefix"`                    // Home Assistant discovery prefix
		TopicBase       string `yaml:"topic_base"`                          // Root of the agent's own topics
	} `yaml:"mqtt"`

	Storage struct {
		EntityDB string `yaml:"entity_db" validate:"required"` // Path to the entity assignment database
	} `yaml:"storage"`

	Geocoding struct {
		MapsAPIKey string `yaml:"maps_api_key"` // Google Maps API key for reverse geocoding, optional
	} `yaml:"geocoding"`

	Workers int `yaml:"workers" validate:"min=0"` // Size of the shared fetch worker pool

	Accounts []AccountConfig `yaml:"accounts" validate:"required,min=1,dive"`
}

// AccountConfig configures polling for one Google account.
type AccountConfig struct {
	ID                  string `yaml:"id"`                                 // Stable config ID, derived from username if empty
	Username            string `yaml:"username" validate:"required,email"` // Google account email
	CookiesFile         string `yaml:"cookies_file" validate:"required"`   // Path to the Netscape cookies export
	ScanInterval        int    `yaml:"scan_interval" validate:"min=0"`     // Seconds between polls
	MaxGPSAccuracy      int    `yaml:"max_gps_accuracy" validate:"min=0"`  // Largest accuracy radius considered a good fix
	CreateAccountEntity bool   `yaml:"create_account_entity"`              // Also track the account holder itself
}

// LoadConfig loads and validates the YAML configuration from the specified
// file, filling in defaults for optional fields.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	if config.MQTT.QOS == nil {
		qos := DefaultQOS
		config.MQTT.QOS = &qos
	}
	if config.MQTT.DiscoveryPrefix == "" {
		config.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if config.MQTT.TopicBase == "" {
		config.MQTT.TopicBase = DefaultTopicBase
	}
	if config.Workers == 0 {
		config.Workers = DefaultWorkers
	}
	for i := range config.Accounts {
		account := &config.Accounts[i]
		if account.ID == "" {
			// The config ID keys persisted entity assignments, so it must be
			// stable across restarts; the username is, a random ID is not.
			account.ID = ha.Slugify(account.Username)
		}
		if account.ScanInterval == 0 {
			account.ScanInterval = DefaultScanIntervalSeconds
		}
		if account.MaxGPSAccuracy == 0 {
			account.MaxGPSAccuracy = DefaultMaxGPSAccuracy
		}
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Duplicate config IDs would silently merge two accounts' claims.
	seen := make(map[string]struct{}, len(config.Accounts))
	for _, account := range config.Accounts {
		if _, ok := seen[account.ID]; ok {
			return nil, fmt.Errorf("invalid configuration: duplicate account id %q", account.ID)
		}
		seen[account.ID] = struct{}{}
	}

	return &config, nil
}
