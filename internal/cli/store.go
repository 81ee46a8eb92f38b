package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/providers/memory"
	"github.com/zoobzio/rill/providers/postgres"
	"github.com/zoobzio/rill/providers/sqlite"
)

// errNoDSN is returned when neither the config, the flag, nor RILL_DSN names a database.
var errNoDSN = errors.New("no database configured: set dsn in the config file, --dsn, or " + EnvDSN)

// backend is an opened store plus the cleanup it needs.
type backend struct {
	store    rill.Store
	close    func() error
	postgres *postgres.Provider
	sqlite   *sqlite.Provider
}

// openStore picks a provider from the DSN scheme:
//
//	postgres://... or postgresql://...  PostgreSQL with LISTEN/NOTIFY feed
//	sqlite:<path> or a *.db path        SQLite
//	memory:                             in-memory, empty
func openStore(cfg *Config) (*backend, error) {
	dsn := cfg.DSN
	switch {
	case dsn == "":
		return nil, errNoDSN

	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		var opts []postgres.Option
		if cfg.Listener.MinReconnect > 0 || cfg.Listener.MaxReconnect > 0 {
			opts = append(opts, postgres.WithReconnect(cfg.Listener.MinReconnect, cfg.Listener.MaxReconnect))
		}
		p, err := postgres.Open(dsn, opts...)
		if err != nil {
			return nil, err
		}
		return &backend{store: p, close: p.Close, postgres: p}, nil

	case strings.HasPrefix(dsn, "sqlite:"), strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		p, err := sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, err
		}
		return &backend{store: p, close: p.Close, sqlite: p}, nil

	case dsn == "memory:":
		p := memory.New()
		return &backend{store: p, close: p.Close}, nil
	}
	return nil, fmt.Errorf("unrecognized dsn %q", dsn)
}

// ensure creates the collection table on SQL backends.
func (b *backend) ensure(ctx context.Context, collection string, columns []string) error {
	switch {
	case b.postgres != nil:
		return b.postgres.EnsureCollection(ctx, collection, columns...)
	case b.sqlite != nil:
		return b.sqlite.EnsureCollection(ctx, collection, columns...)
	}
	return nil
}
