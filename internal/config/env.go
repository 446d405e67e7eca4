package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment variables that override YAML values.
const (
	EnvProxyUsername = "HTTPCLIENT_PROXY_USERNAME"
	EnvProxyPassword = "HTTPCLIENT_PROXY_PASSWORD"
	EnvLogLevel      = "LOG_LEVEL"
)

// LoadEnv loads .env files from the working directory, if any.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// ApplyEnv overlays proxy credentials from the environment so they can be
// kept out of the YAML file. It returns a copy; c is not modified.
func ApplyEnv(c *Client) *Client {
	out := *c
	if v := os.Getenv(EnvProxyUsername); v != "" {
		out.Proxy.Username = v
	}
	if v := os.Getenv(EnvProxyPassword); v != "" {
		out.Proxy.Password = v
	}
	return &out
}

// GetLogLevel maps LOG_LEVEL to a logrus level, defaulting to info.
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
