package main

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Device   DeviceConfig
	Mqtt     MqttConfig
	Backend  BackendConfig
	Recovery RecoveryConfig
}

type DeviceConfig struct {
	// StateFile is the device's persistent store, the stand-in for NVS
	// flash on real hardware.
	StateFile    string        `mapstructure:"state_file"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type MqttConfig struct {
	Url     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BackendConfig struct {
	Url     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RecoveryConfig struct {
	// Proof is an out-of-band recovery proof (the claim-time recovery key
	// or the fingerprint of the last working credential), provisioned by
	// an operator when the state file is lost or corrupt.
	Proof string `mapstructure:"proof"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/trapline-device")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("recovery.proof", "RECOVERY_PROOF")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}
