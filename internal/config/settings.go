package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	Collection struct {
		CollectionTimer       Timer   `json:"collection_timer"`
		RunTimeoutSeconds     uint32  `json:"run_timeout_seconds"`
		WindowDays            uint32  `json:"window_days"`
		AuthMaxRetries        uint32  `json:"auth_max_retries"`
		AuthBackoffBaseMs     uint32  `json:"auth_backoff_base_ms"`
		AuthBackoffMaxMs      uint32  `json:"auth_backoff_max_ms"`
		PageRequestsPerSecond float64 `json:"page_requests_per_second"`
	} `json:"collection"`

	Retention struct {
		Months     uint32 `json:"months"`
		SweepTimer Timer  `json:"sweep_timer"`
	} `json:"retention"`

	Cache struct {
		ActiveSetTTLSeconds uint32 `json:"active_set_ttl_seconds"`
		HealthProbeSeconds  uint32 `json:"health_probe_seconds"`
		LocalEntries        uint32 `json:"local_entries"`
	} `json:"cache"`

	ExcludedNetworks []string `json:"excluded_networks"`

	// Sources seeds the source table on first start; afterwards the database
	// rows are authoritative and this list is ignored for existing names.
	Sources []SeedSource `json:"sources"`
}

// SeedSource describes one feed to seed into the source table. Credentials
// are never stored in the settings file; CredentialsEnv names the environment
// variable holding the opaque credential blob for the adapter.
type SeedSource struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Endpoint       string `json:"endpoint"`
	CredentialsEnv string `json:"credentials_env"`
	Enabled        bool   `json:"enabled"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	configValue.Store(Config{})
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			err = os.MkdirAll("data", os.ModePerm)
			if err != nil {
				log.Error("Error creating directory for settings file:", err)
				return
			}

			err = os.WriteFile(settingsFilePath, defaultConfig, os.ModePerm)
			if err != nil {
				log.Error("Error writing default settings file:", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file:", err)
			return
		}
	}

	var newConfig Config
	err = json.Unmarshal(data, &newConfig)
	if err != nil {
		log.Error("Error unmarshalling settings file:", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file:", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

func SetConfig(newConfig Config) {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update:", err)
		return
	}
}

// SetConfigForTests applies cfg without persisting it to the settings file
// or broadcasting it to other instances.
func SetConfigForTests(cfg Config) {
	_ = applyConfigUpdate(cfg, configUpdateOptions{})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetIntervals()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration:", err)
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, os.ModePerm); err != nil {
			log.Error("Error writing new configuration to file:", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			log.Error("Error serializing configuration for broadcast:", err)
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Error broadcasting configuration update:", err)
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func GetConfig() Config {
	// Get the current Config atomically
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

// RetentionMonths returns the configured rolling retention window in months,
// defaulting to three.
func RetentionMonths() int {
	months := GetConfig().Retention.Months
	if months == 0 {
		return 3
	}
	return int(months)
}
