package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env        string        `yaml:"env" env:"ENV" env-default:"local" env-description:"Environment" env-choices:"local,dev,prod"`
	ApiPort    int           `yaml:"api_port" env:"API_PORT" env-default:"8080"`
	ApiHost    string        `yaml:"api_host" env:"API_HOST" env-default:"localhost"`
	JWTSecret  string        `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"change-me"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL" env-default:"15m"`
	Postgres   `yaml:"postgres"`
	ATM        `yaml:"atm"`
}

type Postgres struct {
	Host string `yaml:"host" env:"PG_HOST" env-default:"localhost"`
	Port string `yaml:"port" env:"PG_PORT" env-default:"5432"`
	User string `yaml:"user" env:"PG_USER" env-default:"atm"`
	Pass string `yaml:"pass" env:"PG_PASS" env-default:"atm"`
	Db   string `yaml:"db" env:"PG_DB" env-default:"atm"`
}

// ATM holds the terminal-side policy: how much cash the machine starts with
// and the ceiling on a single deposit.
type ATM struct {
	BankName         string `yaml:"bank_name" env:"BANK_NAME" env-default:"simple-atm"`
	CashBin          int64  `yaml:"cash_bin" env:"CASH_BIN" env-default:"100000"`
	DepositLimit     int64  `yaml:"deposit_limit" env:"DEPOSIT_LIMIT" env-default:"5000"`
	LockoutThreshold int    `yaml:"lockout_threshold" env:"LOCKOUT_THRESHOLD" env-default:"3"`
}

func MustLoad() *Config {
	// A .env file is optional; real env always wins.
	_ = godotenv.Load()

	path := fetchConfigPath()

	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("failed to read config from env: " + err.Error())
		}
		return &cfg
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file does not exist: " + path)
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
