package buildstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore persists build requests and builds to Postgres.
type PostgresStore struct {
	clock
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := postgresMigrations.ReadDir("migrations/postgres")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			payload, err := postgresMigrations.ReadFile("migrations/postgres/" + name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, string(payload)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const buildColumns = `id, brid, number, start_time, finish_time`

func (s *PostgresStore) GetBuild(ctx context.Context, id int64) (Build, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id=$1`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, false, nil
	}
	if err != nil {
		return Build{}, false, fmt.Errorf("get build %d: %w", id, err)
	}
	return b, true, nil
}

func (s *PostgresStore) GetBuildsForRequest(ctx context.Context, requestID int64) ([]Build, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE brid=$1 ORDER BY number ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("get builds for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) GetBuildsAndResultForRequest(ctx context.Context, requestID int64) ([]BuildWithResult, error) {
	const query = `
        SELECT b.id, b.brid, b.number, b.start_time, b.finish_time, br.results
        FROM buildrequests br
        JOIN builds b ON b.brid = br.id
        WHERE br.id = $1
        ORDER BY b.number ASC, b.id ASC
    `
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("get builds and result for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var out []BuildWithResult
	for rows.Next() {
		var (
			bw       BuildWithResult
			finished sql.NullTime
		)
		if err := rows.Scan(&bw.ID, &bw.RequestID, &bw.Number, &bw.StartTime, &finished, &bw.Results); err != nil {
			return nil, err
		}
		bw.StartTime = bw.StartTime.UTC()
		bw.FinishTime = nullTime(finished)
		out = append(out, bw)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddBuild(ctx context.Context, requestID int64, number int) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO builds (number, brid, start_time, finish_time) VALUES ($1,$2,$3,NULL) RETURNING id`,
			number, requestID, s.now(),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("add build for request %d: %w", requestID, err)
	}
	return id, nil
}

func (s *PostgresStore) AddBuilds(ctx context.Context, requestIDs []int64, number int) error {
	start := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range requestIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO builds (number, brid, start_time, finish_time) VALUES ($1,$2,$3,NULL)`,
				number, id, start,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add builds for requests %v: %w", requestIDs, err)
	}
	return nil
}

func (s *PostgresStore) FinishBuilds(ctx context.Context, ids []int64) error {
	finished := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE builds SET finish_time=$1 WHERE finish_time IS NULL AND id IN (` + dollarList(2, len(batch)) + `)`
			if _, err := tx.ExecContext(ctx, query, append([]any{finished}, int64Args(batch)...)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish builds: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishedMergedBuilds(ctx context.Context, requestIDs []int64, number int) (int64, error) {
	if len(requestIDs) < 2 {
		return 0, nil
	}
	var updated int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var finished sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT finish_time FROM builds WHERE brid=$1 AND number=$2 ORDER BY id ASC LIMIT 1`,
			requestIDs[0], number,
		).Scan(&finished)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !finished.Valid) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, batch := range chunks(requestIDs, MaxBatch) {
			query := `UPDATE builds SET finish_time=$1 WHERE number=$2 AND finish_time IS NULL AND brid IN (` + dollarList(3, len(batch)) + `)`
			res, err := tx.ExecContext(ctx, query, append([]any{finished.Time, number}, int64Args(batch)...)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("finish merged builds: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) AddBuildRequest(ctx context.Context, req BuildRequest) (int64, error) {
	submitted := req.SubmittedAt
	if submitted.IsZero() {
		submitted = s.now()
	}
	results := req.Results
	if !req.Complete {
		results = NoResult
	}
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO buildrequests (buildername, submitted_at, complete, results, artifactbrid, triggeredbybrid)
            VALUES ($1,$2,$3,$4,$5,$6)
            RETURNING id`,
			req.BuilderName, submitted.UTC().Truncate(time.Second), req.Complete, results, req.ArtifactBRID, req.TriggeredByBRID,
		).Scan(&id)
		if err != nil {
			return err
		}
		for _, ss := range req.SourceStamps {
			setID := ss.SourceStampSetID
			if setID == 0 {
				setID = id
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sourcestamps (buildrequest_id, sourcestampsetid, codebase, revision, branch) VALUES ($1,$2,$3,$4,$5)`,
				id, setID, ss.Codebase, ss.Revision, ss.Branch,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add build request: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetBuildRequest(ctx context.Context, id int64) (BuildRequest, bool, error) {
	var (
		req BuildRequest
		ok  bool
	)
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, ok, err = s.loadRequest(ctx, tx, `WHERE id=$1`, id)
		return err
	})
	if err != nil {
		return BuildRequest{}, false, fmt.Errorf("get build request %d: %w", id, err)
	}
	return req, ok, nil
}

func (s *PostgresStore) CompleteBuildRequests(ctx context.Context, ids []int64, results Result) error {
	completed := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE buildrequests SET complete=TRUE, complete_at=$1, results=$2 WHERE NOT complete AND id IN (` + dollarList(3, len(batch)) + `)`
			if _, err := tx.ExecContext(ctx, query, append([]any{completed, results}, int64Args(batch)...)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete build requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBuildRequestBySourceStamps(ctx context.Context, builder string, stamps []SourceStamp) (BuildRequest, bool, error) {
	if len(stamps) == 0 {
		return BuildRequest{}, false, nil
	}
	const query = `
        SELECT br.id
        FROM buildrequests br
        WHERE br.buildername = $1
          AND br.complete
          AND br.results = $2
          AND br.artifactbrid IS NULL
          AND (SELECT COUNT(*) FROM sourcestamps c WHERE c.buildrequest_id = br.id) = $3
          AND EXISTS (
              SELECT 1 FROM sourcestamps ss
              WHERE ss.buildrequest_id = br.id AND ss.codebase = $4 AND ss.revision = $5 AND ss.branch = $6
          )
        ORDER BY br.id DESC
    `
	var (
		found BuildRequest
		ok    bool
	)
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		first := stamps[0]
		rows, err := tx.QueryContext(ctx, query, builder, Success, len(stamps), first.Codebase, first.Revision, first.Branch)
		if err != nil {
			return err
		}
		candidates, err := collectIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range candidates {
			req, exists, err := s.loadRequest(ctx, tx, `WHERE id=$1`, id)
			if err != nil {
				return err
			}
			if exists && StampsEqual(req.SourceStamps, stamps) {
				found, ok = req, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return BuildRequest{}, false, fmt.Errorf("get build request by source stamps: %w", err)
	}
	return found, ok, nil
}

func (s *PostgresStore) GetBuildRequestTriggered(ctx context.Context, triggeringID int64, builder string) (BuildRequest, error) {
	var (
		req BuildRequest
		ok  bool
	)
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, ok, err = s.loadRequest(ctx, tx, `WHERE triggeredbybrid=$1 AND buildername=$2 ORDER BY id DESC LIMIT 1`, triggeringID, builder)
		return err
	})
	if err != nil {
		return BuildRequest{}, fmt.Errorf("get request triggered by %d: %w", triggeringID, err)
	}
	if !ok {
		return BuildRequest{}, fmt.Errorf("request triggered by %d for builder %q: %w", triggeringID, builder, ErrNotFound)
	}
	return req, nil
}

func (s *PostgresStore) ReusePreviousBuild(ctx context.Context, requestIDs []int64, sourceID int64) (int64, error) {
	completed := s.now()
	var updated int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunks(requestIDs, MaxBatch) {
			query := `UPDATE buildrequests SET artifactbrid=$1, complete=TRUE, complete_at=$2, results=$3
                WHERE artifactbrid IS NULL AND id <> $1 AND id IN (` + dollarList(4, len(batch)) + `)`
			res, err := tx.ExecContext(ctx, query, append([]any{sourceID, completed, Success}, int64Args(batch)...)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reuse previous build %d: %w", sourceID, err)
	}
	return updated, nil
}

func (s *PostgresStore) UpdateMergedBuildRequest(ctx context.Context, group MergedGroup) (int64, error) {
	if !group.Merged() {
		return 0, nil
	}
	ids := group.IDs()[1:]
	var updated int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE buildrequests SET artifactbrid=$1 WHERE artifactbrid IS NULL AND id IN (` + dollarList(2, len(batch)) + `)`
			res, err := tx.ExecContext(ctx, query, append([]any{group.Primary().ID}, int64Args(batch)...)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update merged build request %d: %w", group.Primary().ID, err)
	}
	return updated, nil
}

func (s *PostgresStore) loadRequest(ctx context.Context, tx *sql.Tx, where string, args ...any) (BuildRequest, bool, error) {
	var (
		req         BuildRequest
		artifact    sql.NullInt64
		triggeredBy sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, buildername, submitted_at, complete, results, artifactbrid, triggeredbybrid FROM buildrequests `+where,
		args...,
	).Scan(&req.ID, &req.BuilderName, &req.SubmittedAt, &req.Complete, &req.Results, &artifact, &triggeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return BuildRequest{}, false, nil
	}
	if err != nil {
		return BuildRequest{}, false, err
	}
	req.SubmittedAt = req.SubmittedAt.UTC()
	req.ArtifactBRID = nullInt64(artifact)
	req.TriggeredByBRID = nullInt64(triggeredBy)

	rows, err := tx.QueryContext(ctx,
		`SELECT codebase, revision, branch, sourcestampsetid FROM sourcestamps WHERE buildrequest_id=$1 ORDER BY id ASC`,
		req.ID,
	)
	if err != nil {
		return BuildRequest{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var ss SourceStamp
		if err := rows.Scan(&ss.Codebase, &ss.Revision, &ss.Branch, &ss.SourceStampSetID); err != nil {
			return BuildRequest{}, false, err
		}
		req.SourceStamps = append(req.SourceStamps, ss)
	}
	return req, true, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.runTx(ctx, nil, fn)
}

func (s *PostgresStore) inReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.runTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return classifyPostgres(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// classifyPostgres maps SQLSTATE class 23 (integrity constraint violation) onto ErrIntegrity.
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b        Build
		finished sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.RequestID, &b.Number, &b.StartTime, &finished); err != nil {
		return Build{}, err
	}
	b.StartTime = b.StartTime.UTC()
	b.FinishTime = nullTime(finished)
	return b, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// dollarList renders n numbered placeholders starting at $start.
func dollarList(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
