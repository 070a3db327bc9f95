package registry

import (
	"context"
	"fmt"

	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	registryVersionQuery = `SELECT COALESCE(MAX(version), 0) FROM registry_versions`

	registryNodesQuery = `
		SELECT node_id, address, subnet_id, fingerprint
		FROM registry_nodes
		WHERE status = 'active'
		ORDER BY node_id
	`
)

// PostgresSource reads the registry from PostgreSQL. The version and the
// node rows are read in one repeatable-read transaction so a listing never
// mixes two versions.
type PostgresSource struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresConfig holds connection settings for PostgresSource.
type PostgresConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
}

// NewPostgresSource connects to the registry database.
func NewPostgresSource(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresSource, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections, cfg.MinConnections,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	return &PostgresSource{pool: pool, logger: logger}, nil
}

func (s *PostgresSource) Fetch(ctx context.Context) (*Listing, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin registry read: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, registryVersionQuery).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to read registry version: %w", err)
	}

	rows, err := tx.Query(ctx, registryNodesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]model.Node, 0)
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Address, &n.SubnetID, &n.Fingerprint); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Listing{Version: uint64(version), Nodes: nodes}, nil
}

func (s *PostgresSource) Name() string {
	return "postgres"
}

// Close closes the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
