package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/ppe-monitor/internal/database"
)

// WorkerRepository stores workers and their embedding gallery in pgvector columns
type WorkerRepository struct {
	pool *Pool
	dim  int
}

// NewWorkerRepository creates a new PostgreSQL worker repository.
// dim is the required embedding length; 0 accepts any.
func NewWorkerRepository(pool *Pool, dim int) *WorkerRepository {
	return &WorkerRepository{pool: pool, dim: dim}
}

// SaveWorker creates a worker or renames an existing one. An empty name keeps the current name.
func (r *WorkerRepository) SaveWorker(ctx context.Context, w database.Worker) error {
	query := `
		INSERT INTO workers (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN workers.name ELSE EXCLUDED.name END
	`
	if _, err := r.pool.Exec(ctx, query, w.ID, w.Name); err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// AppendEmbeddings adds gallery embeddings to an existing worker in one transaction
func (r *WorkerRepository) AppendEmbeddings(ctx context.Context, workerID string, embeddings [][]float32) error {
	for i, emb := range embeddings {
		if r.dim > 0 && len(emb) != r.dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(emb), r.dim)
		}
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM workers WHERE id = $1)", workerID).Scan(&exists); err != nil {
		return fmt.Errorf("check worker exists: %w", err)
	}
	if !exists {
		return database.ErrNotFound
	}

	for _, emb := range embeddings {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO worker_embeddings (worker_id, embedding) VALUES ($1, $2)",
			workerID, pgvector.NewVector(emb)); err != nil {
			return fmt.Errorf("insert embedding for %s: %w", workerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings for %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns all workers with their embeddings, ordered by ID
func (r *WorkerRepository) ListWorkers(ctx context.Context) ([]database.Worker, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, name, created_at FROM workers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var workers []database.Worker
	index := make(map[string]int)
	for rows.Next() {
		var w database.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		index[w.ID] = len(workers)
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}

	embRows, err := r.pool.Query(ctx, "SELECT worker_id, embedding FROM worker_embeddings ORDER BY worker_id, id")
	if err != nil {
		return nil, fmt.Errorf("query worker embeddings: %w", err)
	}
	defer embRows.Close()

	for embRows.Next() {
		var workerID string
		var vec pgvector.Vector
		if err := embRows.Scan(&workerID, &vec); err != nil {
			return nil, fmt.Errorf("scan worker embedding: %w", err)
		}
		if i, ok := index[workerID]; ok {
			workers[i].Embeddings = append(workers[i].Embeddings, vec.Slice())
		}
	}
	if err := embRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker embeddings: %w", err)
	}
	return workers, nil
}

// DeleteWorker removes a worker; embeddings are removed by cascade
func (r *WorkerRepository) DeleteWorker(ctx context.Context, id string) error {
	res, err := r.pool.Exec(ctx, "DELETE FROM workers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}
