package buildstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

var sqliteSchema struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSQLiteSchema() (sqlitemigration.Schema, error) {
	sqliteSchema.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqliteMigrations, fmt.Sprintf("migrations/sqlite/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				sqliteSchema.err = err
				return
			}
			sqliteSchema.schema.Migrations = append(sqliteSchema.schema.Migrations, string(migration))
		}
	})
	return sqliteSchema.schema, sqliteSchema.err
}

// SQLiteStore persists build requests and builds to a single SQLite file.
// It suits a single coordinating process without a database server.
type SQLiteStore struct {
	clock
	pool *sqlitemigration.Pool
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string, onError func(error)) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	schema, err := loadSQLiteSchema()
	if err != nil {
		return nil, fmt.Errorf("load sqlite schema: %w", err)
	}
	pool := sqlitemigration.NewPool(path, schema, sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PrepareConn: prepareSQLiteConn,
		OnError:     onError,
	})
	return &SQLiteStore{pool: pool}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = wal;",
		"PRAGMA foreign_keys = on;",
		"PRAGMA busy_timeout = 10000;",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id int64) (Build, bool, error) {
	var (
		b     Build
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+buildColumns+` FROM builds WHERE id = ?;`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b, found = sqliteBuild(stmt), true
				return nil
			},
		})
	})
	if err != nil {
		return Build{}, false, fmt.Errorf("get build %d: %w", id, err)
	}
	return b, found, nil
}

func (s *SQLiteStore) GetBuildsForRequest(ctx context.Context, requestID int64) ([]Build, error) {
	var builds []Build
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+buildColumns+` FROM builds WHERE brid = ? ORDER BY number ASC, id ASC;`, &sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				builds = append(builds, sqliteBuild(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get builds for request %d: %w", requestID, err)
	}
	return builds, nil
}

func (s *SQLiteStore) GetBuildsAndResultForRequest(ctx context.Context, requestID int64) ([]BuildWithResult, error) {
	var out []BuildWithResult
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
            SELECT b.id, b.brid, b.number, b.start_time, b.finish_time, br.results
            FROM buildrequests br
            JOIN builds b ON b.brid = br.id
            WHERE br.id = ?
            ORDER BY b.number ASC, b.id ASC;`, &sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, BuildWithResult{Build: sqliteBuild(stmt), Results: Result(stmt.ColumnInt64(5))})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get builds and result for request %d: %w", requestID, err)
	}
	return out, nil
}

func (s *SQLiteStore) AddBuild(ctx context.Context, requestID int64, number int) (int64, error) {
	var id int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO builds (number, brid, start_time, finish_time) VALUES (?, ?, ?, NULL);`, &sqlitex.ExecOptions{
			Args: []any{number, requestID, s.now().Unix()},
		})
		id = conn.LastInsertRowID()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("add build for request %d: %w", requestID, err)
	}
	return id, nil
}

func (s *SQLiteStore) AddBuilds(ctx context.Context, requestIDs []int64, number int) error {
	start := s.now().Unix()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, id := range requestIDs {
			err := sqlitex.Execute(conn, `INSERT INTO builds (number, brid, start_time, finish_time) VALUES (?, ?, ?, NULL);`, &sqlitex.ExecOptions{
				Args: []any{number, id, start},
			})
			if err != nil {
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

func (s *SQLiteStore) FinishBuilds(ctx context.Context, ids []int64) error {
	finished := s.now().Unix()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE builds SET finish_time = ? WHERE finish_time IS NULL AND id IN (` + questionList(len(batch)) + `);`
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append([]any{finished}, int64Args(batch)...),
			}); err != nil {
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

func (s *SQLiteStore) FinishedMergedBuilds(ctx context.Context, requestIDs []int64, number int) (int64, error) {
	if len(requestIDs) < 2 {
		return 0, nil
	}
	var updated int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var (
			finished int64
			ok       bool
		)
		err := sqlitex.Execute(conn, `SELECT finish_time FROM builds WHERE brid = ? AND number = ? ORDER BY id ASC LIMIT 1;`, &sqlitex.ExecOptions{
			Args: []any{requestIDs[0], number},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnType(0) != sqlite.TypeNull {
					finished, ok = stmt.ColumnInt64(0), true
				}
				return nil
			},
		})
		if err != nil || !ok {
			return err
		}
		for _, batch := range chunks(requestIDs, MaxBatch) {
			query := `UPDATE builds SET finish_time = ? WHERE number = ? AND finish_time IS NULL AND brid IN (` + questionList(len(batch)) + `);`
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append([]any{finished, number}, int64Args(batch)...),
			}); err != nil {
				return err
			}
			updated += int64(conn.Changes())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("finish merged builds: %w", err)
	}
	return updated, nil
}

func (s *SQLiteStore) AddBuildRequest(ctx context.Context, req BuildRequest) (int64, error) {
	submitted := req.SubmittedAt
	if submitted.IsZero() {
		submitted = s.now()
	}
	results := int64(req.Results)
	if !req.Complete {
		results = int64(NoResult)
	}
	var id int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
            INSERT INTO buildrequests (buildername, submitted_at, complete, results, artifactbrid, triggeredbybrid)
            VALUES (?, ?, ?, ?, ?, ?);`, &sqlitex.ExecOptions{
			Args: []any{req.BuilderName, submitted.Unix(), req.Complete, results, optionalInt64(req.ArtifactBRID), optionalInt64(req.TriggeredByBRID)},
		})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		for _, ss := range req.SourceStamps {
			setID := ss.SourceStampSetID
			if setID == 0 {
				setID = id
			}
			err := sqlitex.Execute(conn, `INSERT INTO sourcestamps (buildrequest_id, sourcestampsetid, codebase, revision, branch) VALUES (?, ?, ?, ?, ?);`, &sqlitex.ExecOptions{
				Args: []any{id, setID, ss.Codebase, ss.Revision, ss.Branch},
			})
			if err != nil {
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

func (s *SQLiteStore) GetBuildRequest(ctx context.Context, id int64) (BuildRequest, bool, error) {
	var (
		req BuildRequest
		ok  bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		req, ok, err = sqliteLoadRequest(conn, `WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return BuildRequest{}, false, fmt.Errorf("get build request %d: %w", id, err)
	}
	return req, ok, nil
}

func (s *SQLiteStore) CompleteBuildRequests(ctx context.Context, ids []int64, results Result) error {
	completed := s.now().Unix()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE buildrequests SET complete = 1, complete_at = ?, results = ? WHERE complete = 0 AND id IN (` + questionList(len(batch)) + `);`
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append([]any{completed, int64(results)}, int64Args(batch)...),
			}); err != nil {
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

func (s *SQLiteStore) GetBuildRequestBySourceStamps(ctx context.Context, builder string, stamps []SourceStamp) (BuildRequest, bool, error) {
	if len(stamps) == 0 {
		return BuildRequest{}, false, nil
	}
	var (
		found BuildRequest
		ok    bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var candidates []int64
		first := stamps[0]
		err := sqlitex.Execute(conn, `
            SELECT br.id
            FROM buildrequests br
            WHERE br.buildername = ?
              AND br.complete = 1
              AND br.results = ?
              AND br.artifactbrid IS NULL
              AND (SELECT COUNT(*) FROM sourcestamps c WHERE c.buildrequest_id = br.id) = ?
              AND EXISTS (
                  SELECT 1 FROM sourcestamps ss
                  WHERE ss.buildrequest_id = br.id AND ss.codebase = ? AND ss.revision = ? AND ss.branch = ?
              )
            ORDER BY br.id DESC;`, &sqlitex.ExecOptions{
			Args: []any{builder, int64(Success), len(stamps), first.Codebase, first.Revision, first.Branch},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				candidates = append(candidates, stmt.ColumnInt64(0))
				return nil
			},
		})
		if err != nil {
			return err
		}
		for _, id := range candidates {
			req, exists, err := sqliteLoadRequest(conn, `WHERE id = ?`, id)
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

func (s *SQLiteStore) GetBuildRequestTriggered(ctx context.Context, triggeringID int64, builder string) (BuildRequest, error) {
	var (
		req BuildRequest
		ok  bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		req, ok, err = sqliteLoadRequest(conn, `WHERE triggeredbybrid = ? AND buildername = ? ORDER BY id DESC LIMIT 1`, triggeringID, builder)
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

func (s *SQLiteStore) ReusePreviousBuild(ctx context.Context, requestIDs []int64, sourceID int64) (int64, error) {
	completed := s.now().Unix()
	var updated int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, batch := range chunks(requestIDs, MaxBatch) {
			query := `UPDATE buildrequests SET artifactbrid = ?, complete = 1, complete_at = ?, results = ?
                WHERE artifactbrid IS NULL AND id <> ? AND id IN (` + questionList(len(batch)) + `);`
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append([]any{sourceID, completed, int64(Success), sourceID}, int64Args(batch)...),
			}); err != nil {
				return err
			}
			updated += int64(conn.Changes())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reuse previous build %d: %w", sourceID, err)
	}
	return updated, nil
}

func (s *SQLiteStore) UpdateMergedBuildRequest(ctx context.Context, group MergedGroup) (int64, error) {
	if !group.Merged() {
		return 0, nil
	}
	ids := group.IDs()[1:]
	var updated int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, batch := range chunks(ids, MaxBatch) {
			query := `UPDATE buildrequests SET artifactbrid = ? WHERE artifactbrid IS NULL AND id IN (` + questionList(len(batch)) + `);`
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: append([]any{group.Primary().ID}, int64Args(batch)...),
			}); err != nil {
				return err
			}
			updated += int64(conn.Changes())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update merged build request %d: %w", group.Primary().ID, err)
	}
	return updated, nil
}

// read runs fn inside a savepoint so multi-statement reads see one snapshot.
func (s *SQLiteStore) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return func() (err error) {
		defer sqlitex.Save(conn)(&err)
		return fn(conn)
	}()
}

// write runs fn in an immediate transaction; any error rolls the whole call back.
func (s *SQLiteStore) write(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return fn(conn)
	}()
	if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return err
}

func sqliteLoadRequest(conn *sqlite.Conn, where string, args ...any) (BuildRequest, bool, error) {
	var (
		req BuildRequest
		ok  bool
	)
	err := sqlitex.Execute(conn,
		`SELECT id, buildername, submitted_at, complete, results, artifactbrid, triggeredbybrid FROM buildrequests `+where+`;`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				req = BuildRequest{
					ID:              stmt.ColumnInt64(0),
					BuilderName:     stmt.ColumnText(1),
					SubmittedAt:     time.Unix(stmt.ColumnInt64(2), 0).UTC(),
					Complete:        stmt.ColumnBool(3),
					Results:         Result(stmt.ColumnInt64(4)),
					ArtifactBRID:    columnOptionalInt64(stmt, 5),
					TriggeredByBRID: columnOptionalInt64(stmt, 6),
				}
				ok = true
				return nil
			},
		})
	if err != nil || !ok {
		return BuildRequest{}, false, err
	}
	err = sqlitex.Execute(conn,
		`SELECT codebase, revision, branch, sourcestampsetid FROM sourcestamps WHERE buildrequest_id = ? ORDER BY id ASC;`,
		&sqlitex.ExecOptions{
			Args: []any{req.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				req.SourceStamps = append(req.SourceStamps, SourceStamp{
					Codebase:         stmt.ColumnText(0),
					Revision:         stmt.ColumnText(1),
					Branch:           stmt.ColumnText(2),
					SourceStampSetID: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return BuildRequest{}, false, err
	}
	return req, true, nil
}

func sqliteBuild(stmt *sqlite.Stmt) Build {
	b := Build{
		ID:        stmt.ColumnInt64(0),
		RequestID: stmt.ColumnInt64(1),
		Number:    stmt.ColumnInt(2),
		StartTime: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
	}
	if stmt.ColumnType(4) != sqlite.TypeNull {
		t := time.Unix(stmt.ColumnInt64(4), 0).UTC()
		b.FinishTime = &t
	}
	return b
}

func columnOptionalInt64(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

// optionalInt64 unwraps a pointer into a bindable value; nil binds NULL.
func optionalInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func questionList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
