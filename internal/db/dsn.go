package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrEmptyDSN = errors.New("empty DSN")

func parseDSN(dsn string) (*url.URL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrEmptyDSN
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u, nil
}

// WithDBName points a postgres:// or postgresql:// DSN at another database,
// keeping credentials, host and query parameters. DATABASE_NAME uses it to
// select the tracking database on a shared cluster.
func WithDBName(dsn, database string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	name := strings.TrimPrefix(database, "/")
	if name == "" {
		return "", errors.New("empty database name")
	}
	u.Path = "/" + name
	return u.String(), nil
}

// Redact hides the password so the DSN can be logged.
func Redact(dsn string) string {
	u, err := parseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}
