// Package sqlstore keeps a file index in PostgreSQL or SQLite and serves
// it as a paged file source. Pages use keyset pagination on the name.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Params keys understood by the store.
const (
	ParamContainer = "container"
	ParamPath      = "path"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultPageSize applies when ListOptions set no page size.
const DefaultPageSize = 1000

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a SQL file index.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects with driver ("postgres" or "sqlite") to dsn.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported index driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
		}
		logging.Info("applied migration", logging.String("file", path.Base(f)))
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parentOf(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return ""
}

func cleanName(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

const upsertSQL = `INSERT INTO file_index
	(container, name, parent, is_dir, size, content_type, etag, modified_unix)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (container, name) DO UPDATE SET
		parent = excluded.parent,
		is_dir = excluded.is_dir,
		size = excluded.size,
		content_type = excluded.content_type,
		etag = excluded.etag,
		modified_unix = excluded.modified_unix`

// Upsert inserts or updates files of container in one transaction.
func (s *Store) Upsert(ctx context.Context, container string, files []models.File) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.upsertTx(ctx, tx, container, files); err != nil {
		return err
	}
	return tx.Commit()
}

// Replace swaps the whole content of container for files.
func (s *Store) Replace(ctx context.Context, container string, files []models.File) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("replace", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM file_index WHERE container = ?`), container); err != nil {
		return fmt.Errorf("clear %s: %w", container, err)
	}
	if err := s.upsertTx(ctx, tx, container, files); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, container string, files []models.File) error {
	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertSQL))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, f := range files {
		name := cleanName(f.Name)
		if name == "" {
			continue
		}
		var modified int64
		if !f.LastModified.IsZero() {
			modified = f.LastModified.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, container, name, parentOf(name), f.IsDirectory,
			f.ContentLength, f.ContentType, f.ETag, modified); err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
	}
	return nil
}

const selectColumns = `SELECT name, is_dir, size, content_type, etag, modified_unix FROM file_index`

func scanFile(row interface{ Scan(...any) error }) (models.File, error) {
	var f models.File
	var modified int64
	if err := row.Scan(&f.Name, &f.IsDirectory, &f.ContentLength, &f.ContentType, &f.ETag, &modified); err != nil {
		return models.File{}, err
	}
	if modified != 0 {
		f.LastModified = time.Unix(0, modified).UTC()
	}
	return f, nil
}

// Get returns the file at params[ParamPath].
func (s *Store) Get(ctx context.Context, params models.Params) (models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get", time.Since(start)) }()

	name := cleanName(params[ParamPath])
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE container = ? AND name = ?`),
		params[ParamContainer], name)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.File{}, fmt.Errorf("get %s: %w", name, getter.ErrNotFound)
	}
	if err != nil {
		return models.File{}, fmt.Errorf("get %s: %w", name, err)
	}
	return f, nil
}

// cursor is the state behind a nextLink.
type cursor struct {
	container string
	folder    string
	recursive bool
	size      int
	after     string
}

func (c cursor) encode() string {
	return url.Values{
		"c":     {c.container},
		"f":     {c.folder},
		"r":     {strconv.FormatBool(c.recursive)},
		"n":     {strconv.Itoa(c.size)},
		"after": {c.after},
	}.Encode()
}

func decodeCursor(link string) (cursor, error) {
	q, err := url.ParseQuery(link)
	if err != nil {
		return cursor{}, fmt.Errorf("decode continuation: %w", err)
	}
	size, err := strconv.Atoi(q.Get("n"))
	if err != nil || q.Get("after") == "" {
		return cursor{}, fmt.Errorf("decode continuation: malformed link %q", link)
	}
	return cursor{
		container: q.Get("c"),
		folder:    q.Get("f"),
		recursive: q.Get("r") == "true",
		size:      size,
		after:     q.Get("after"),
	}, nil
}

// List returns the first page of opts.Folder in params[ParamContainer].
func (s *Store) List(ctx context.Context, params models.Params, opts models.ListOptions) (getter.Page[models.File], error) {
	size := opts.MaxResults()
	if size <= 0 {
		size = DefaultPageSize
	}
	return s.page(ctx, cursor{
		container: params[ParamContainer],
		folder:    cleanName(opts.Folder),
		recursive: opts.Recursive,
		size:      size,
	})
}

// ListNext follows a nextLink returned by List.
func (s *Store) ListNext(ctx context.Context, nextLink string) (getter.Page[models.File], error) {
	c, err := decodeCursor(nextLink)
	if err != nil {
		return getter.Page[models.File]{}, err
	}
	return s.page(ctx, c)
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) page(ctx context.Context, c cursor) (getter.Page[models.File], error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list", time.Since(start)) }()

	query := selectColumns + ` WHERE container = ?`
	args := []any{c.container}
	switch {
	case !c.recursive:
		query += ` AND parent = ?`
		args = append(args, c.folder)
	case c.folder != "":
		query += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(c.folder)+"/%")
	default:
		query += ` AND name <> ?`
		args = append(args, "")
	}
	query += ` AND name > ? ORDER BY name LIMIT ?`
	args = append(args, c.after, c.size+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return getter.Page[models.File]{}, fmt.Errorf("list %s/%s: %w", c.container, c.folder, err)
	}
	defer rows.Close()

	var page getter.Page[models.File]
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return getter.Page[models.File]{}, fmt.Errorf("scan: %w", err)
		}
		page.Items = append(page.Items, f)
	}
	if err := rows.Err(); err != nil {
		return getter.Page[models.File]{}, err
	}
	if len(page.Items) > c.size {
		page.Items = page.Items[:c.size]
		c.after = page.Items[len(page.Items)-1].Name
		page.NextLink = c.encode()
	}
	return page, nil
}

// Deleter returns a function deleting entries of container by path.
func (s *Store) Deleter(container string) func(ctx context.Context, path string) error {
	return func(ctx context.Context, p string) error {
		return s.Delete(ctx, container, p)
	}
}

// Delete removes one entry. A missing entry reports getter.ErrNotFound.
func (s *Store) Delete(ctx context.Context, container, p string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete", time.Since(start)) }()

	name := cleanName(p)
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM file_index WHERE container = ? AND name = ?`), container, name)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete %s: %w", name, getter.ErrNotFound)
	}
	return nil
}

// Count returns the number of entries of container.
func (s *Store) Count(ctx context.Context, container string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM file_index WHERE container = ?`), container).Scan(&n)
	return n, err
}
