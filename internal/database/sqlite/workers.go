package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/database"
)

// SaveWorker creates a worker or renames an existing one. An empty name keeps the current name.
func (s *Store) SaveWorker(ctx context.Context, w database.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN workers.name ELSE excluded.name END
	`, w.ID, w.Name, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// AppendEmbeddings adds gallery embeddings to an existing worker in one transaction.
func (s *Store) AppendEmbeddings(ctx context.Context, workerID string, embeddings [][]float32) error {
	for i, emb := range embeddings {
		if s.dim > 0 && len(emb) != s.dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(emb), s.dim)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM workers WHERE id = ?)", workerID).Scan(&exists); err != nil {
			return fmt.Errorf("check worker exists: %w", err)
		}
		if !exists {
			return database.ErrNotFound
		}
		for _, emb := range embeddings {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO worker_embeddings (worker_id, dim, embedding) VALUES (?, ?, ?)",
				workerID, len(emb), encodeVector(emb)); err != nil {
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
		var created int64
		if err := rows.Scan(&w.ID, &w.Name, &created); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.CreatedAt = fromUnixNano(created)
		index[w.ID] = len(workers)
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	rows.Close()

	embRows, err := s.db.QueryContext(ctx, "SELECT worker_id, dim, embedding FROM worker_embeddings ORDER BY worker_id, id")
	if err != nil {
		return nil, fmt.Errorf("query worker embeddings: %w", err)
	}
	defer embRows.Close()

	for embRows.Next() {
		var workerID string
		var dim int
		var blob []byte
		if err := embRows.Scan(&workerID, &dim, &blob); err != nil {
			return nil, fmt.Errorf("scan worker embedding: %w", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", workerID, err)
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

// encodeVector packs a vector as little-endian float32 values.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("embedding blob has %d bytes, expected %d", len(b), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
