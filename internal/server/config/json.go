package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/parley-chat/parley/internal/flagx"
	"github.com/parley-chat/parley/internal/timex"
)

// JsonConfig is the intermediate DTO used only for reading JSON config
// files. Duration fields accept both strings ("2s") and integer
// nanoseconds; after unmarshalling, values are copied into the runtime
// Config.
type JsonConfig struct {
	MetricsAddr                 string         `json:"metrics_addr"`
	DatabaseDSN                 string         `json:"database_dsn"`
	SecretKey                   string         `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	VerificationTokenTTL        timex.Duration `json:"verification_token_ttl"`
	RegistrationLockWait        timex.Duration `json:"registration_lock_wait"`
	WriteQueueCapacity          int            `json:"write_queue_capacity"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into the provided Config. If no file is named, nothing
// is loaded; an unreadable or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.MetricsAddr = c.MetricsAddr
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.AccessTokenValidityDuration = time.Duration(c.AccessTokenValidityDuration.Duration)
	config.VerificationTokenTTL = time.Duration(c.VerificationTokenTTL.Duration)
	config.RegistrationLockWait = time.Duration(c.RegistrationLockWait.Duration)
	config.WriteQueueCapacity = c.WriteQueueCapacity
}
