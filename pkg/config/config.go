package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/utils"
)

type Config struct {
	Env      string   `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTP     `yaml:"http"`
	Postgres PG       `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Gateway  Gateway  `yaml:"gateway"`
	Checkout Checkout `yaml:"checkout"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

type Redis struct {
	Addr    string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	SlotTTL time.Duration `yaml:"slot_ttl" env-default:"30s"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"marketplace-core"`
}

type Gateway struct {
	SecretKey string        `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	BaseURL   string        `yaml:"base_url" env:"STRIPE_BASE_URL" env-default:"https://api.stripe.com/v1"`
	Currency  string        `yaml:"currency" env-default:"usd"`
	Timeout   time.Duration `yaml:"timeout" env-default:"10s"`
}

type Checkout struct {
	SuccessURL string `yaml:"success_url" env:"CHECKOUT_SUCCESS_URL"`
	CancelURL  string `yaml:"cancel_url" env:"CHECKOUT_CANCEL_URL"`
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exists: %v\n", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	return &cfg
}
