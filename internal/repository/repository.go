package repository

import (
	"context"
	"fmt"
	"net"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresCfg struct {
	Host        string `env:"POSTGRES_HOST"     env-default:"postgres"`
	Port        string `env:"POSTGRES_PORT"     env-default:"5432"`
	User        string `env:"POSTGRES_USER"     env-default:"postgres"`
	Password    string `env:"POSTGRES_PASSWORD" env-default:"postgres"`
	DBName      string `env:"POSTGRES_DB"       env-default:"postgres"`
	PoolMaxConn int32  `env:"POSTGRES_POOL_MAX" env-default:"20"`
}

type Repository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

func NewRepository(cfg PostgresCfg) (*Repository, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	dataSource := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable&pool_max_conns=%d",
		cfg.User, cfg.Password, addr, cfg.DBName, cfg.PoolMaxConn)

	pool, err := pgxpool.New(context.Background(), dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create new pool: %w", err)
	}

	if err = pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := Repository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	return &repo, nil
}

func wrapDBError(err error, context string) error {
	return fmt.Errorf("database: %s: %w", context, err)
}

func (r *Repository) CloseConnection() {
	r.pool.Close()
}

// BeginTx opens a transaction. Every pipeline write path (C3, C4, C5's
// persist step, C6) runs inside exactly one transaction obtained here.
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, wrapDBError(err, "BeginTx")
	}

	return tx, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting read paths
// run either inside an engine's transaction or standalone against the pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *Repository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}
