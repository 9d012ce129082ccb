package config

import (
	"fmt"
	"net/url"
)

// Database holds Postgres connection settings for the resource journal.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// databaseFromEnv reads DB_* variables. ok is false when DB_HOST is unset,
// which leaves the journal disabled.
func databaseFromEnv() (db Database, ok bool) {
	host := getEnv("DB_HOST", "")
	if host == "" {
		return Database{}, false
	}
	return Database{
		Host:     host,
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "movex"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}, true
}

// DSN returns the Postgres connection URL.
func (c Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
