package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

//Configuration holds all environment driven settings for the service.
//Deadband and threshold values are tunables rather than hardcoded constants
//so that an operator can adjust the storage/alerting policy per deployment.
type Configuration struct {
	ServicePort string `default:"8880" split_words:"true"`

	PostgresHost     string `split_words:"true"`
	PostgresUser     string `split_words:"true"`
	PostgresDatabase string `split_words:"true"`
	PostgresPassword string `split_words:"true"`
	PostgresSSLMode  string `default:"require" split_words:"true"`

	//Deadband thresholds: the minimum change that justifies a new stored row
	TemperatureDeadband float64 `default:"0.5" split_words:"true"`
	SalinityDeadband    float64 `default:"0.2" split_words:"true"`
	PhDeadband          float64 `default:"0.2" split_words:"true"`
	//HeartbeatInterval: maximum age of the latest row before a value is stored regardless of deadband
	HeartbeatInterval time.Duration `default:"10m" split_words:"true"`

	//Season specific salinity alert thresholds (parts per thousand)
	RiceSalinityMax   float64 `default:"2" split_words:"true"`
	ShrimpSalinityMax float64 `default:"12" split_words:"true"`
	//DefaultCultivation decides which threshold applies when a farm has no active season
	DefaultCultivation string `default:"shrimp" split_words:"true"`
}

//Load reads the service configuration from the environment (FARMMON_ prefix)
func Load() (*Configuration, error) {
	cfg := &Configuration{}
	err := envconfig.Process("farmmon", cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
