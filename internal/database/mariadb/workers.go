package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/database"
)

// SaveWorker creates a worker or renames an existing one. An empty name keeps the current name.
func (s *Store) SaveWorker(ctx context.Context, w database.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, created_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = IF(VALUES(name) = '', name, VALUES(name))
	`, w.ID, w.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// AppendEmbeddings adds gallery embeddings to an existing worker in one transaction.
// Each embedding is stored as a JSON list of floats.
func (s *Store) AppendEmbeddings(ctx context.Context, workerID string, embeddings [][]float32) error {
	docs := make([][]byte, len(embeddings))
	for i, emb := range embeddings {
		if s.dim > 0 && len(emb) != s.dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(emb), s.dim)
		}
		data, err := json.Marshal(emb)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		docs[i] = data
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM workers WHERE id = ? FOR UPDATE", workerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check worker exists: %w", err)
		}
		for i, doc := range docs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO worker_embeddings (worker_id, dim, embedding_json) VALUES (?, ?, ?)",
				workerID, len(embeddings[i]), doc); err != nil {
				return fmt.Errorf("insert embedding for %s: %w", workerID, err)
			}
		}
		return nil
	})
}

// ListWorkers returns all workers with their embeddings, ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]database.Worker, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at FROM workers ORDER BY id")
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
	rows.Close()

	embRows, err := s.db.QueryContext(ctx, "SELECT worker_id, dim, embedding_json FROM worker_embeddings ORDER BY worker_id, id")
	if err != nil {
		return nil, fmt.Errorf("query worker embeddings: %w", err)
	}
	defer embRows.Close()

	for embRows.Next() {
		var workerID string
		var dim int
		var doc []byte
		if err := embRows.Scan(&workerID, &dim, &doc); err != nil {
			return nil, fmt.Errorf("scan worker embedding: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal(doc, &vec); err != nil {
			return nil, fmt.Errorf("worker %s: decode embedding: %w", workerID, err)
		}
		if len(vec) != dim {
			return nil, fmt.Errorf("worker %s: embedding has %d values, expected %d", workerID, len(vec), dim)
		}
		if i, ok := index[workerID]; ok {
			workers[i].Embeddings = append(workers[i].Embeddings, vec)
		}
	}
	if err := embRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker embeddings: %w", err)
	}
	return workers, nil
}

// DeleteWorker removes a worker; embeddings are removed by cascade.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE id = ?", id)
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
