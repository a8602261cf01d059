package main

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/trapline/trapline/internal/api/http"
	"github.com/trapline/trapline/internal/auth"
	"github.com/trapline/trapline/internal/db"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Database db.Config
	Mqtt     MqttConfig
	Broker   BrokerConfig
	Auth     auth.Config
	Factory  FactoryConfig
	Sweep    SweepConfig
}

type MqttConfig struct {
	Url      string        `mapstructure:"url"`
	ClientId string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BrokerConfig points at the broker's admin REST API, the control channel
// for the ACL store.
type BrokerConfig struct {
	ApiUrl   string        `mapstructure:"api_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type FactoryConfig struct {
	// Pre-shared secret behind device-presented claim tokens.
	Secret string `mapstructure:"secret"`
}

type SweepConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/trapline-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.secret", "JWT_SECRET")
	_ = viper.BindEnv("factory.secret", "FACTORY_SECRET")
	_ = viper.BindEnv("broker.password", "BROKER_API_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}
