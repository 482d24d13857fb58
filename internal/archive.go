package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/gzip"
)

// Archive is the long-term object store behind the cold tier (T3). Payloads
// are gzip-compressed rows keyed by a deterministic path, so archival and
// rehydration agree on addressing without a separate map.
type Archive struct {
	db      *pgxpool.Pool
	metrics *cacheMetrics
}

// NewArchive connects to the archive database and ensures its schema.
func NewArchive(ctx context.Context, dsn string, metrics *cacheMetrics) (*Archive, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to archive: %w", err)
	}
	_, err = db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archive (
			path       TEXT PRIMARY KEY,
			payload    BYTEA NOT NULL,
			kind       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensuring archive schema: %w", err)
	}
	return &Archive{db: db, metrics: metrics}, nil
}

// archivePath derives the deterministic year/month/key address.
func archivePath(createdAt time.Time, key string) string {
	return fmt.Sprintf("%04d/%02d/%s", createdAt.Year(), int(createdAt.Month()), key)
}

// Store compresses and upserts the payload, returning its path and stored
// size.
func (a *Archive) Store(ctx context.Context, key string, payload []byte, kind endpointKind, createdAt time.Time) (string, int, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		return "", 0, err
	}

	path := archivePath(createdAt, key)
	_, err := a.db.Exec(ctx, `
		INSERT INTO archive (path, payload, kind, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET payload = $2, created_at = $4`,
		path, buf.Bytes(), string(kind), createdAt)
	if err != nil {
		return "", 0, fmt.Errorf("archiving %q: %w", path, err)
	}
	a.metrics.archiveWriteInc()
	return path, buf.Len(), nil
}

// Fetch retrieves and decompresses an archived payload.
func (a *Archive) Fetch(ctx context.Context, path string) ([]byte, error) {
	var compressed []byte
	row := a.db.QueryRow(ctx, `SELECT payload FROM archive WHERE path = $1`, path)
	if err := row.Scan(&compressed); err != nil {
		return nil, errNotFound
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompressing %q: %w", path, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Sweep removes archived objects older than the retention window. Run
// periodically; the cold index in T2 ages out on its own TTL.
func (a *Archive) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := a.db.Exec(ctx,
		`DELETE FROM archive WHERE created_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (a *Archive) Close() {
	a.db.Close()
}
