package pg

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/xraph/sqlbatch/job"
)

const defaultPort = 5432

// Option configures Pools and Admin.
type Option func(*settings)

type settings struct {
	logger         *slog.Logger
	params         url.Values
	maxConns       int32
	connectTimeout time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:         slog.Default(),
		params:         url.Values{},
		connectTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithConnParam adds a libpq connection parameter (sslmode,
// application_name, ...) to every connection string.
func WithConnParam(key, value string) Option {
	return func(s *settings) { s.params.Set(key, value) }
}

// WithMaxConns caps each tenant pool. Zero keeps the pgxpool default.
func WithMaxConns(n int32) Option {
	return func(s *settings) { s.maxConns = n }
}

// WithConnectTimeout bounds dialing a new connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) { s.connectTimeout = d }
}

// ConnString renders p as a postgres:// URL carrying the extra parameters.
func ConnString(p job.DBParams, extra url.Values) string {
	port := p.Port
	if port == 0 {
		port = defaultPort
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:   "/" + p.Name,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if len(extra) > 0 {
		u.RawQuery = extra.Encode()
	}
	return u.String()
}

// poolKey identifies a tenant pool. The password is part of the key so a
// rotated credential gets a fresh pool.
func poolKey(p job.DBParams) string {
	return ConnString(p, nil)
}
