// Package pg implementa el directorio y el storage de sesiones sobre
// PostgreSQL usando pgx.
package pg

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridfuel/authgate/internal/observability/logger"
)

type Store struct{ pool *pgxpool.Pool }

// Options es el tuning opcional del pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(opts.MaxOpenConns)
	}
	// pgxpool no tiene idle conns como database/sql; MinConns es lo más cercano.
	if opts.MaxIdleConns > 0 {
		pcfg.MinConns = int32(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = opts.ConnMaxLifetime
		pcfg.MaxConnIdleTime = opts.ConnMaxLifetime
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	// Arranque no bloqueante: si la base está caída igual levantamos y
	// dejamos que el health check lo reporte.
	if err := pool.Ping(ctx); err != nil {
		logger.From(ctx).Warn("pg pool startup ping failed",
			logger.Component("store.pg"), logger.Err(err))
	} else {
		logger.From(ctx).Info("pg pool ready",
			logger.Component("store.pg"), logger.Int("max_conns", int(pcfg.MaxConns)))
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close cierra el pool subyacente (idempotente).
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Pool expone el pool interno para usos avanzados (metrics/migraciones).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) RunMigrations(ctx context.Context, dir string) error {
	return s.runMigrationFiles(ctx, dir, "_up.sql", false)
}

func (s *Store) RunMigrationsDown(ctx context.Context, dir string) error {
	return s.runMigrationFiles(ctx, dir, "_down.sql", true)
}

func (s *Store) runMigrationFiles(ctx context.Context, dir, suffix string, reverse bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(strings.ToLower(e.Name()), suffix) {
			files = append(files, dir+"/"+e.Name())
		}
	}
	sort.Strings(files)
	if reverse {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("exec %s: %w", f, err)
		}
	}
	return nil
}
