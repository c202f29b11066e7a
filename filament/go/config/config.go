// Package config loads the engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"go.filafarm.org/infra/go/skerr"
)

// Environment variable names.
const (
	DatabaseURLEnvVar           = "DATABASE_URL"
	AppSecretKeyEnvVar          = "APP_SECRET_KEY"
	AllowInsecureMQTTTLSEnvVar  = "ALLOW_INSECURE_MQTT_TLS"
	AMSCalibrationEnabledEnvVar = "MATERIAL_AMS_CALIBRATION_ENABLED"
	PromPortEnvVar              = "PROM_PORT"
)

// EngineConfig is the full configuration for a single engine process.
type EngineConfig struct {
	// DatabaseURL is a pgx connection string.
	DatabaseURL string

	// AppSecretKey is the symmetric key used to seal printer LAN access
	// codes at rest.
	AppSecretKey string

	// AllowInsecureMQTTTLS accepts self-signed printer certificates.
	AllowInsecureMQTTTLS bool

	// AMSCalibrationEnabled allows AMS remain deltas to be used as a
	// settlement fallback.
	AMSCalibrationEnabled bool

	// PromPort is the port metrics are served on, e.g. ":20000".
	PromPort string

	// PollInterval is how often the event processor polls for new
	// normalized events.
	PollInterval time.Duration

	// BatchSize is the maximum number of normalized events processed per
	// tick.
	BatchSize int

	// QueueCapacity is the size of the bounded channel between the MQTT
	// callbacks and the ingest consumer loop.
	QueueCapacity int

	// EstimateTTL is how long estimator results are cached.
	EstimateTTL time.Duration
}

// New returns an EngineConfig populated from the environment.
//
// DATABASE_URL and APP_SECRET_KEY are required, everything else has a
// default.
func New() (EngineConfig, error) {
	ret := EngineConfig{
		AllowInsecureMQTTTLS:  true,
		AMSCalibrationEnabled: false,
		PromPort:              ":20000",
		PollInterval:          2 * time.Second,
		BatchSize:             500,
		QueueCapacity:         2000,
		EstimateTTL:           2 * time.Hour,
	}
	ret.DatabaseURL = os.Getenv(DatabaseURLEnvVar)
	if ret.DatabaseURL == "" {
		return ret, skerr.Fmt("%s is required", DatabaseURLEnvVar)
	}
	ret.AppSecretKey = os.Getenv(AppSecretKeyEnvVar)
	if ret.AppSecretKey == "" {
		return ret, skerr.Fmt("%s is required", AppSecretKeyEnvVar)
	}
	var err error
	ret.AllowInsecureMQTTTLS, err = boolFromEnv(AllowInsecureMQTTTLSEnvVar, true)
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	ret.AMSCalibrationEnabled, err = boolFromEnv(AMSCalibrationEnabledEnvVar, false)
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	if port := os.Getenv(PromPortEnvVar); port != "" {
		ret.PromPort = port
	}
	return ret, nil
}

func boolFromEnv(name string, defaultValue bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue, nil
	}
	ret, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, skerr.Wrapf(err, "parsing %s=%q", name, value)
	}
	return ret, nil
}
