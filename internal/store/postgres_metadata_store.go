package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
)

// PostgresMetadataStore implements MetadataStore for PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore creates a new PostgreSQL metadata store
func NewPostgresMetadataStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (MetadataStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresMetadataStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// GetFile retrieves a file record by id
func (s *PostgresMetadataStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	query := `
		SELECT file_id, stored_name, original_name, size, mime_type,
		       primary_node, replica_nodes, checksum,
		       download_limit, downloads_left, created_at, expires_at
		FROM files
		WHERE file_id = $1
	`

	var file model.File
	err := s.pool.QueryRow(ctx, query, fileID).Scan(
		&file.FileID,
		&file.StoredName,
		&file.OriginalName,
		&file.Size,
		&file.MimeType,
		&file.PrimaryNode,
		&file.ReplicaNodes,
		&file.Checksum,
		&file.DownloadLimit,
		&file.DownloadsLeft,
		&file.CreatedAt,
		&file.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return &file, nil
}

// CreateFile inserts a new file record
func (s *PostgresMetadataStore) CreateFile(ctx context.Context, file *model.File) error {
	query := `
		INSERT INTO files (file_id, stored_name, original_name, size, mime_type,
		                   primary_node, replica_nodes, checksum,
		                   download_limit, downloads_left, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		file.FileID,
		file.StoredName,
		file.OriginalName,
		file.Size,
		file.MimeType,
		file.PrimaryNode,
		file.ReplicaNodes,
		file.Checksum,
		file.DownloadLimit,
		file.DownloadsLeft,
		file.CreatedAt,
		file.ExpiresAt,
	)

	return err
}

// UpdateFileReplicas replaces the replica list of a file
func (s *PostgresMetadataStore) UpdateFileReplicas(ctx context.Context, fileID string, replicas []string) error {
	query := `UPDATE files SET replica_nodes = $2 WHERE file_id = $1`

	result, err := s.pool.Exec(ctx, query, fileID, replicas)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateFilePlacement swaps the primary node and replaces the replica list
// in one transaction so promotion is never observed half-applied
func (s *PostgresMetadataStore) UpdateFilePlacement(ctx context.Context, fileID, primaryNode string, replicas []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE files SET primary_node = $2, replica_nodes = $3 WHERE file_id = $1`
	result, err := tx.Exec(ctx, query, fileID, primaryNode, replicas)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// GetStorageNode retrieves a storage node by id
func (s *PostgresMetadataStore) GetStorageNode(ctx context.Context, nodeID string) (*model.StorageNode, error) {
	query := `
		SELECT node_id, address, online, total_space, used_space,
		       file_count, last_heartbeat, consecutive_errors
		FROM storage_nodes
		WHERE node_id = $1
	`

	var node model.StorageNode
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&node.NodeID,
		&node.Address,
		&node.Online,
		&node.TotalSpace,
		&node.UsedSpace,
		&node.FileCount,
		&node.LastHeartbeat,
		&node.ConsecutiveErrors,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage node: %w", err)
	}

	return &node, nil
}

// ListStorageNodes retrieves all registered storage nodes
func (s *PostgresMetadataStore) ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error) {
	query := `
		SELECT node_id, address, online, total_space, used_space,
		       file_count, last_heartbeat, consecutive_errors
		FROM storage_nodes
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.StorageNode
	for rows.Next() {
		var node model.StorageNode
		if err := rows.Scan(
			&node.NodeID,
			&node.Address,
			&node.Online,
			&node.TotalSpace,
			&node.UsedSpace,
			&node.FileCount,
			&node.LastHeartbeat,
			&node.ConsecutiveErrors,
		); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// SaveStorageNode inserts or updates a storage node record
func (s *PostgresMetadataStore) SaveStorageNode(ctx context.Context, node *model.StorageNode) error {
	query := `
		INSERT INTO storage_nodes (node_id, address, online, total_space, used_space,
		                           file_count, last_heartbeat, consecutive_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id) DO UPDATE SET
			address = EXCLUDED.address,
			online = EXCLUDED.online,
			total_space = EXCLUDED.total_space,
			used_space = EXCLUDED.used_space,
			file_count = EXCLUDED.file_count,
			last_heartbeat = EXCLUDED.last_heartbeat,
			consecutive_errors = EXCLUDED.consecutive_errors
	`

	_, err := s.pool.Exec(ctx, query,
		node.NodeID,
		node.Address,
		node.Online,
		node.TotalSpace,
		node.UsedSpace,
		node.FileCount,
		node.LastHeartbeat,
		node.ConsecutiveErrors,
	)

	return err
}

// UpdateNodeHealth updates the health-tracking fields of a node
func (s *PostgresMetadataStore) UpdateNodeHealth(ctx context.Context, nodeID string, online bool, consecutiveErrors int, heartbeat time.Time) error {
	query := `
		UPDATE storage_nodes
		SET online = $2, consecutive_errors = $3, last_heartbeat = $4
		WHERE node_id = $1
	`

	result, err := s.pool.Exec(ctx, query, nodeID, online, consecutiveErrors, heartbeat)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateNodeStats updates the capacity snapshot of a node after writes
func (s *PostgresMetadataStore) UpdateNodeStats(ctx context.Context, nodeID string, usedSpace, fileCount int64) error {
	query := `
		UPDATE storage_nodes
		SET used_space = $2, file_count = $3
		WHERE node_id = $1
	`

	result, err := s.pool.Exec(ctx, query, nodeID, usedSpace, fileCount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks the database connection
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}
