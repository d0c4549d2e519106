package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stanchev/swarmflow/pkg/service"
)

// Config collects every tunable of the core. All values have documented
// defaults; a YAML file overrides them, environment variables override the
// database connection pieces.
type Config struct {
	Port               string                   `yaml:"port"`
	MonitorInterval    string                   `yaml:"monitor_interval"`    // cron "@every" duration, e.g. "5s"
	DiagnosticInterval string                   `yaml:"diagnostic_interval"` // cron "@every" duration, e.g. "60s"
	Scorer             service.ScorerConfig     `yaml:"scorer"`
	Monitor            service.MonitorConfig    `yaml:"monitor"`
	Restart            service.RestartConfig    `yaml:"restart"`
	Diagnostic         service.DiagnosticConfig `yaml:"diagnostic"`
}

func Default() Config {
	return Config{
		Port:               "8080",
		MonitorInterval:    "5s",
		DiagnosticInterval: "60s",
		Scorer:             service.DefaultScorerConfig(),
		Monitor:            service.DefaultMonitorConfig(),
		Restart:            service.DefaultRestartConfig(),
		Diagnostic:         service.DefaultDiagnosticConfig(),
	}
}

// Load returns the defaults merged with the YAML file at path. An empty path
// falls back to the SWARMFLOW_CONFIG environment variable; no file means
// defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SWARMFLOW_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// DBConnStr assembles the Postgres connection string from the DB_*
// environment variables.
func DBConnStr() (string, error) {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", errors.New("complete DB_* env vars required (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME)")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}
