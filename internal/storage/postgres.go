package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"gonum.org/v1/gonum/mat"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Videos ---

// UpsertVideo registers a video or updates its frame count.
func (s *PostgresStore) UpsertVideo(ctx context.Context, v *models.Video) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO videos (id, frame_count, source) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET frame_count = EXCLUDED.frame_count, source = EXCLUDED.source
		 RETURNING detections_version, created_at`,
		v.ID, v.FrameCount, v.Source,
	).Scan(&v.DetectionsVersion, &v.CreatedAt)
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	v := &models.Video{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, frame_count, source, detections_version, created_at FROM videos WHERE id = $1`, id,
	).Scan(&v.ID, &v.FrameCount, &v.Source, &v.DetectionsVersion, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

// --- Detections ---

// ReplaceDetections stores dets as a new detections version of the video,
// index order kept, and returns that version. Earlier versions stay readable
// while an unfinished job refers to them.
func (s *PostgresStore) ReplaceDetections(ctx context.Context, videoID string, dets []graph.Detection) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int
	err = tx.QueryRow(ctx,
		`UPDATE videos SET detections_version = detections_version + 1 WHERE id = $1 RETURNING detections_version`,
		videoID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump detections version: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM detections WHERE video_id = $1 AND version < $2 AND version NOT IN (
			SELECT detections_version FROM jobs WHERE video_id = $1 AND status IN ($3, $4))`,
		videoID, version, models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune detections: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"detections"},
		[]string{"video_id", "version", "idx", "frame", "x", "y", "w", "h", "score"},
		pgx.CopyFromSlice(len(dets), func(i int) ([]any, error) {
			d := dets[i]
			return []any{videoID, version, i, d.Frame, d.Box.X, d.Box.Y, d.Box.W, d.Box.H, d.Score}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy detections: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit detections: %w", err)
	}
	return version, nil
}

// LoadDetections returns one detections version of the video as an N×6
// table (frame, x, y, w, h, score) in index order, together with the version
// read. Version 0 reads the current upload.
func (s *PostgresStore) LoadDetections(ctx context.Context, videoID string, version int) (*mat.Dense, int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.version, d.frame, d.x, d.y, d.w, d.h, d.score
		 FROM detections d JOIN videos v ON v.id = d.video_id
		 WHERE d.video_id = $1
		   AND d.version = CASE WHEN $2 = 0 THEN v.detections_version ELSE $2 END
		 ORDER BY d.idx`, videoID, version)
	if err != nil {
		return nil, 0, fmt.Errorf("load detections: %w", err)
	}
	defer rows.Close()

	var data []float64
	for rows.Next() {
		var frame int
		var x, y, w, h, score float64
		if err := rows.Scan(&version, &frame, &x, &y, &w, &h, &score); err != nil {
			return nil, 0, fmt.Errorf("scan detection: %w", err)
		}
		data = append(data, float64(frame), x, y, w, h, score)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("load detections: %w", err)
	}
	if len(data) == 0 {
		return nil, 0, models.ErrNoDetections
	}
	return mat.NewDense(len(data)/graph.DetectionColumns, graph.DetectionColumns, data), version, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	j.ID = uuid.New()
	j.Status = models.JobStatusPending
	if j.TotalBatches == 0 {
		j.Status = models.JobStatusDone
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, video_id, detections_version, dmax, batch_size, pairs, total_batches, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
		j.ID, j.VideoID, j.DetectionsVersion, j.DMax, j.BatchSize, j.Pairs, j.TotalBatches, j.Status,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

const jobColumns = `id, video_id, detections_version, dmax, batch_size, pairs, total_batches, done_batches, failed_batches, edges, status, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	j := &models.Job{}
	err := row.Scan(&j.ID, &j.VideoID, &j.DetectionsVersion, &j.DMax, &j.BatchSize, &j.Pairs, &j.TotalBatches,
		&j.DoneBatches, &j.FailedBatches, &j.Edges, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// BatchRecorded reports whether a result for the job's batch was already
// recorded.
func (s *PostgresStore) BatchRecorded(ctx context.Context, jobID uuid.UUID, batchNo int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_batches WHERE job_id = $1 AND batch = $2)`,
		jobID, batchNo).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check batch: %w", err)
	}
	return exists, nil
}

// RecordBatch folds one batch result into the job's counters and status.
// Only the first result of a batch is counted: a repeated result leaves the
// job untouched and reports recorded=false.
func (s *PostgresStore) RecordBatch(ctx context.Context, res models.BatchResult) (*models.Job, bool, error) {
	failed := 0
	if res.Error != "" {
		failed = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO job_batches (job_id, batch, failed, edges) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, batch) DO NOTHING`,
		res.JobID, res.Batch, failed == 1, res.Edges)
	if err != nil {
		return nil, false, fmt.Errorf("insert job batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, res.JobID))
		if err != nil {
			return nil, false, fmt.Errorf("get job: %w", err)
		}
		return j, false, nil
	}

	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET
			done_batches   = done_batches + $2,
			failed_batches = failed_batches + $3,
			edges          = edges + $4,
			error_message  = CASE WHEN $5 <> '' THEN $5 ELSE error_message END,
			status = CASE
				WHEN done_batches + failed_batches + 1 >= total_batches AND failed_batches + $3 > 0 THEN $6
				WHEN done_batches + failed_batches + 1 >= total_batches THEN $7
				ELSE $8 END,
			updated_at = now()
		 WHERE id = $1 RETURNING `+jobColumns,
		res.JobID, 1-failed, failed, res.Edges, res.Error,
		models.JobStatusFailed, models.JobStatusDone, models.JobStatusRunning,
	))
	if err != nil {
		return nil, false, fmt.Errorf("record batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit batch: %w", err)
	}
	return j, true, nil
}

// FailJob marks a job failed, e.g. when its batches could not be enqueued.
func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, models.JobStatusFailed, msg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// --- Edges ---

// SaveEdges stores one processed batch of a job: the edges via COPY and
// their feature vectors as pgvector values. Saving the same batch number
// again replaces its earlier rows, so redelivered tasks do not duplicate edges.
func (s *PostgresStore) SaveEdges(ctx context.Context, jobID uuid.UUID, batchNo int, batch *graph.EdgeBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM edges WHERE job_id = $1 AND batch = $2`, jobID, batchNo); err != nil {
		return fmt.Errorf("clear batch edges: %w", err)
	}
	if batch.Len() == 0 {
		return tx.Commit(ctx)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"edges"},
		[]string{"job_id", "batch", "src", "dst", "delta", "weight"},
		pgx.CopyFromSlice(batch.Len(), func(k int) ([]any, error) {
			return []any{jobID, batchNo, batch.Src[k], batch.Dst[k], batch.Deltas[k], batch.Weights[k]}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy edges: %w", err)
	}

	if batch.Features != nil {
		b := &pgx.Batch{}
		for k := 0; k < batch.Len(); k++ {
			row := batch.FeatureRow(k)
			vec := make([]float32, len(row))
			for c, v := range row {
				vec[c] = float32(v)
			}
			b.Queue(`INSERT INTO edge_features (job_id, src, dst, features) VALUES ($1, $2, $3, $4)
				ON CONFLICT (job_id, src, dst) DO UPDATE SET features = EXCLUDED.features`,
				jobID, batch.Src[k], batch.Dst[k], pgvector.NewVector(vec))
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert edge features: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListEdges pages through a job's edges in (src, dst) order.
func (s *PostgresStore) ListEdges(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]graph.EdgeRecord, int, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 100000 {
		limit = 100000
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM edges WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count edges: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT delta, weight, src, dst FROM edges WHERE job_id = $1 ORDER BY src, dst LIMIT $2 OFFSET $3`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.EdgeRecord
	for rows.Next() {
		var e graph.EdgeRecord
		if err := rows.Scan(&e.Delta, &e.Weight, &e.Src, &e.Dst); err != nil {
			return nil, 0, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, total, rows.Err()
}

// EdgeFeatures returns the stored feature vector of one edge, or nil.
func (s *PostgresStore) EdgeFeatures(ctx context.Context, jobID uuid.UUID, src, dst int) ([]float32, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT features FROM edge_features WHERE job_id = $1 AND src = $2 AND dst = $3`,
		jobID, src, dst).Scan(&vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get edge features: %w", err)
	}
	return vec.Slice(), nil
}

// DeleteJobEdges removes a job's edges and features, e.g. before a rerun.
func (s *PostgresStore) DeleteJobEdges(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM edge_features WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete edge features: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM edges WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	return nil
}
