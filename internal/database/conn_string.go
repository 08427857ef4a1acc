package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/exchange-feeds/internal/config"
)

// Connection parameters added to every DSN.
const (
	applicationName = "feedd"
	connectTimeout  = 10 // seconds
	defaultSSLMode  = "prefer"
)

// BuildConnString renders cfg as a postgres:// URL. Credentials are escaped
// by net/url, so passwords may contain any character.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", applicationName)
	q.Set("connect_timeout", strconv.Itoa(connectTimeout))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
