package repository

import (
	"cmp"
	"database/sql"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// postgresDSN renders the connection settings as a lib/pq URL. Unset
// fields fall back to a local, unencrypted "kestrel" database.
func postgresDSN(cfg domain.RepositoryConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host: net.JoinHostPort(
			cmp.Or(cfg.PostgresHost, "localhost"),
			strconv.Itoa(cmp.Or(cfg.PostgresPort, 5432)),
		),
		Path:     "/" + cmp.Or(cfg.PostgresDB, "kestrel"),
		RawQuery: url.Values{"sslmode": {cmp.Or(cfg.PostgresSSLMode, "disable")}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	return dial("postgres", postgresDSN(cfg))
}
