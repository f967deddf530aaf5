package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dhanoi/logger"
	"dhanoi/models"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	envToken    = "DHAN_TOKEN"
	envClientID = "DHAN_CLIENT_ID"
	envAuthType = "DHAN_AUTH_TYPE"
	envHost     = "DHAN_HOST"
	envTickers  = "DHAN_TICKERS"
	envPort     = "PORT"
	envRegion   = "AWS_REGION"
)

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

func AppEnvironment() string {
	return getAppEnvironment()
}

// ResolveConfigPath picks config.<env>.yml next to path when it exists and
// path is the default file. An explicit non-default path always wins.
func ResolveConfigPath(path, defaultPath string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}

	ext := filepath.Ext(defaultPath)
	envPath := strings.TrimSuffix(defaultPath, ext) + "." + getAppEnvironment() + ext
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// applyEnvOverrides applies the environment layer. Malformed values are
// logged and ignored so the file value stays in effect.
func applyEnvOverrides(cfg *Config) {
	log := logger.GetLogger().WithComponent("config")

	if v := strings.TrimSpace(os.Getenv(envToken)); v != "" {
		cfg.Feed.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envClientID)); v != "" {
		cfg.Feed.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(envAuthType)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.AuthType = n
		} else {
			log.WithField("value", v).Warn("invalid DHAN_AUTH_TYPE, keeping configured value")
		}
	}
	if v := strings.TrimSpace(os.Getenv(envHost)); v != "" {
		cfg.Feed.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(envPort)); v != "" {
		cfg.Server.Address = ":" + v
	}
	if v := strings.TrimSpace(os.Getenv(envRegion)); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}

	if raw, ok := os.LookupEnv(envTickers); ok && strings.TrimSpace(raw) != "" {
		cfg.TickersFromEnv = true
		tickers, problems := ParseTickers(raw)
		for _, p := range problems {
			log.WithError(p).Warn("skipping DHAN_TICKERS entry")
		}
		if len(tickers) > 0 {
			cfg.Instruments = tickers
			log.WithField("count", len(tickers)).Info("using instruments from DHAN_TICKERS")
		}
	}
}

// ParseTickers parses "SYMBOL:SEGMENT:ID" entries separated by commas. Bad
// entries are returned as errors and left out of the result.
func ParseTickers(raw string) ([]models.Instrument, []error) {
	var (
		out      []models.Instrument
		problems []error
	)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			problems = append(problems, fmt.Errorf("ticker %q: expected SYMBOL:SEGMENT:ID", item))
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			problems = append(problems, fmt.Errorf("ticker %q: invalid security id: %w", item, err))
			continue
		}
		out = append(out, models.Instrument{
			Symbol:          strings.TrimSpace(parts[0]),
			ExchangeSegment: strings.TrimSpace(parts[1]),
			SecurityID:      models.SecurityID(id),
		})
	}
	return out, problems
}
