package candidates

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/commatch/db/migrations"
	"github.com/example/commatch/internal/match"
)

// PostgresSource reads communities, their seven-day activity counts, and
// their profile vectors from Postgres. Similarity is computed here against
// the stored vectors; the database only narrows by location.
type PostgresSource struct {
	db          *sql.DB
	filterLimit int
}

func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	src := &PostgresSource{db: db, filterLimit: DefaultFilterLimit}
	if err := src.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return src, nil
}

func (s *PostgresSource) Close() error { return s.db.Close() }

func (s *PostgresSource) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSource) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const locationFilterQuery = `
SELECT
    c.community_id,
    c.community_name,
    c.category,
    c.city,
    c.timezone,
    c.member_count,
    COALESCE(ca.message_count, 0) AS recent_activity,
    COALESCE(p.embedding, '{}') AS embedding
FROM communities c
LEFT JOIN (
    SELECT community_id, COUNT(*) AS message_count
    FROM community_activity
    WHERE created_at >= NOW() - INTERVAL '7 days'
    GROUP BY community_id
) ca ON c.community_id = ca.community_id
LEFT JOIN community_profiles p ON c.community_id = p.community_id
WHERE c.city = $1
  AND c.timezone = $2
  AND c.is_active = TRUE
ORDER BY c.member_count DESC, ca.message_count DESC
LIMIT $3`

func (s *PostgresSource) Candidates(ctx context.Context, req match.Request, vector []float64) ([]match.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, locationFilterQuery, req.City, req.Timezone, s.filterLimit)
	if err != nil {
		return nil, fmt.Errorf("location filter: %w", err)
	}
	defer rows.Close()

	out := make([]match.Candidate, 0)
	for rows.Next() {
		var c match.Candidate
		var embedding pq.Float64Array
		if err := rows.Scan(&c.CommunityID, &c.CommunityName, &c.Category, &c.City, &c.Timezone, &c.MemberCount, &c.RecentEvents, &embedding); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Similarity = Cosine(vector, []float64(embedding))
		out = append(out, c)
	}
	return out, rows.Err()
}

const popularQuery = `
SELECT
    c.community_id,
    c.community_name,
    c.category,
    c.city,
    c.timezone,
    c.member_count,
    COALESCE(ca.message_count, 0) AS recent_activity
FROM communities c
LEFT JOIN (
    SELECT community_id, COUNT(*) AS message_count
    FROM community_activity
    WHERE created_at >= NOW() - INTERVAL '7 days'
    GROUP BY community_id
) ca ON c.community_id = ca.community_id
WHERE c.is_active = TRUE
ORDER BY c.member_count DESC, ca.message_count DESC
LIMIT $1`

func (s *PostgresSource) Popular(ctx context.Context, limit int) ([]match.Candidate, error) {
	if limit <= 0 {
		limit = DefaultPopularLimit
	}
	rows, err := s.db.QueryContext(ctx, popularQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("popular communities: %w", err)
	}
	defer rows.Close()

	out := make([]match.Candidate, 0, limit)
	for rows.Next() {
		var c match.Candidate
		if err := rows.Scan(&c.CommunityID, &c.CommunityName, &c.Category, &c.City, &c.Timezone, &c.MemberCount, &c.RecentEvents); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
