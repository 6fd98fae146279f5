package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	_ "modernc.org/sqlite"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	sqlite = iota
	postgres
	mysql
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// timeFormat is fixed-width so stored timestamps sort as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Database implements the database operations. It will hide any differences between the varying SQL databases from the rest of the codebase.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
	driver string
	dsn    string
}

var (
	_ mirror.Ledger      = (*Database)(nil)
	_ mirror.ActivityLog = (*Database)(nil)
)

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() (string, error) {
	switch d.kind {
	case sqlite:
		return "sqlite", nil
	case postgres:
		return "postgresql", nil
	case mysql:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown kind: %d", d.kind)
	}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

// InitDB opens the configured database. Statements are logged at debug level.
func (d *Database) InitDB(ctx context.Context) error {
	if d.log == nil {
		d.log = logging.NewNop()
	}

	var (
		drv, dsn string
		err      error
	)
	switch {
	case d.config == nil || d.config.SQL == nil:
		// Default to memory-only SQLite if no config is provided.
		drv, dsn, d.kind = "sqlite", SQLiteMemoryOnlyDSN, sqlite
	case d.config.SQL.Driver == "sqlite3" || d.config.SQL.Driver == "sqlite" || d.config.SQL.Driver == "":
		drv, dsn, d.kind = "sqlite", os.ExpandEnv(d.config.SQL.DSN), sqlite
		if dsn == "" {
			dsn = SQLiteMemoryOnlyDSN
		}
	case d.config.SQL.Driver == "postgres" || d.config.SQL.Driver == "pgx":
		drv, dsn, d.kind = "pgx", os.ExpandEnv(d.config.SQL.DSN), postgres
	case d.config.SQL.Driver == "mysql":
		drv, d.kind = "mysql", mysql
		if dsn, err = mysqlDSN(os.ExpandEnv(d.config.SQL.DSN)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDriver, d.config.SQL.Driver)
	}

	d.driver, d.dsn = drv, dsn

	sqlDriver, err := registeredDriver(drv)
	if err != nil {
		return err
	}

	d.db = sqldblogger.OpenDriver(dsn, sqlDriver, zerologadapter.New(d.log.Zerolog()),
		sqldblogger.WithExecerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithQueryerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithPreparerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithLogArguments(false),
	)

	if d.kind == sqlite {
		// A single connection avoids "database is locked" errors between concurrent writers.
		d.db.SetMaxOpenConns(1)
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return err
		}
	}

	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", drv, err)
	}

	d.log.Debugf("Connected to %s database", drv)
	return nil
}

// mysqlDSN makes MySQL report matched instead of changed rows, as the other
// databases do.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func registeredDriver(name string) (driver.Driver, error) {
	db, err := sql.Open(name, "")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Driver(), nil
}

// OpenSession opens a separate connection pool to the same database. The
// caller owns it and must close it.
func (d *Database) OpenSession(ctx context.Context) (*sql.DB, error) {
	if d.driver == "" {
		return nil, errors.New("database not initialized")
	}
	db, err := sql.Open(d.driver, d.dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", d.driver, err)
	}
	return db, nil
}

func (d *Database) CloseDB() {
	d.db.Close()
}

// LoadConfig stores the mirrors of root. Tokens are stored as configured,
// that is encrypted.
func (d *Database) LoadConfig(ctx context.Context, root *config.Root) error {
	for _, m := range root.SortedMirrors() {
		if err := d.UpsertMirror(ctx, m); err != nil {
			return fmt.Errorf("upsert mirror %q failed: %w", m.Name, err)
		}
	}
	return nil
}

func (d *Database) UpsertMirror(ctx context.Context, m *config.Mirror) error {
	bs, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		return d.upsert(ctx, tx, "mirrors", []string{"name", "config"}, []string{"name"}, m.Name, string(bs))
	})
}

func (d *Database) GetMirror(ctx context.Context, name string) (*config.Mirror, error) {
	row := d.db.QueryRowContext(ctx, "SELECT name, config FROM mirrors WHERE name = "+d.arg(0), name)
	m, err := scanMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mirror %q: %w", name, ErrNotFound)
	}
	return m, err
}

func (d *Database) ListMirrors(ctx context.Context) ([]*config.Mirror, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name, config FROM mirrors ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*config.Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMirror(row scanner) (*config.Mirror, error) {
	var name, data string
	if err := row.Scan(&name, &data); err != nil {
		return nil, err
	}

	var m config.Mirror
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("mirror %q: %w", name, err)
	}
	m.Name = name
	return &m, nil
}

const recordColumns = "id, mirror, primary_pr_url, secondary_pr_url, external_id, title, author, state, comment_count, merged_at, created_at"

func (d *Database) CreateRecord(ctx context.Context, rec *mirror.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM mirror_records WHERE primary_pr_url = "+d.arg(0), rec.PrimaryPRURL).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("record for %s: %w", rec.PrimaryPRURL, mirror.ErrDuplicate)
		}

		columns := []string{"mirror", "primary_pr_url", "secondary_pr_url", "external_id", "title", "author", "state", "comment_count", "merged_at", "created_at"}
		id, err := d.insert(ctx, tx, "mirror_records", columns,
			rec.Mirror, rec.PrimaryPRURL, rec.SecondaryPRURL, rec.ExternalID, rec.Title, rec.Author,
			string(rec.State), rec.CommentCount, formatTime(rec.MergedAt), formatTime(&rec.CreatedAt))
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
}

func (d *Database) GetRecordByPrimaryURL(ctx context.Context, primaryURL string) (*mirror.Record, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM mirror_records WHERE primary_pr_url = "+d.arg(0), primaryURL)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record for %s: %w", primaryURL, ErrNotFound)
	}
	return rec, err
}

func (d *Database) ListOpenRecords(ctx context.Context) ([]*mirror.Record, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM mirror_records WHERE state = "+d.arg(0)+" ORDER BY id", string(mirror.StateOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*mirror.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// UpdateRecord persists the mutable fields of rec: state, comment count and
// merge time.
func (d *Database) UpdateRecord(ctx context.Context, rec *mirror.Record) error {
	if !rec.State.Valid() {
		return fmt.Errorf("record %d: invalid state %q", rec.ID, rec.State)
	}

	query := fmt.Sprintf("UPDATE mirror_records SET state = %s, comment_count = %s, merged_at = %s WHERE id = %s",
		d.arg(0), d.arg(1), d.arg(2), d.arg(3))

	res, err := d.db.ExecContext(ctx, query, string(rec.State), rec.CommentCount, formatTime(rec.MergedAt), rec.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %d: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func scanRecord(row scanner) (*mirror.Record, error) {
	var (
		rec       mirror.Record
		state     string
		title     sql.NullString
		author    sql.NullString
		mergedAt  sql.NullString
		createdAt string
	)
	if err := row.Scan(&rec.ID, &rec.Mirror, &rec.PrimaryPRURL, &rec.SecondaryPRURL, &rec.ExternalID,
		&title, &author, &state, &rec.CommentCount, &mergedAt, &createdAt); err != nil {
		return nil, err
	}

	rec.Title, rec.Author, rec.State = title.String, author.String, mirror.State(state)

	var err error
	if rec.MergedAt, err = parseTime(mergedAt.String); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	if created != nil {
		rec.CreatedAt = *created
	}
	return &rec, nil
}

func (d *Database) AppendActivity(ctx context.Context, a mirror.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	success := 0
	if a.Success {
		success = 1
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		_, err := d.insert(ctx, tx, "activities", []string{"actor", "mirror", "message", "success", "created_at"},
			a.Actor, a.Mirror, a.Message, success, formatTime(&a.Timestamp))
		return err
	})
}

// ListActivities returns the latest activities of a mirror, newest first. An
// empty mirror name lists all mirrors.
func (d *Database) ListActivities(ctx context.Context, mirrorName string, limit int) ([]mirror.Activity, error) {
	var (
		conditions []string
		args       []any
	)
	if mirrorName != "" {
		conditions = append(conditions, "mirror = "+d.arg(len(args)))
		args = append(args, mirrorName)
	}

	query := "SELECT actor, mirror, message, success, created_at FROM activities"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []mirror.Activity
	for rows.Next() {
		var (
			a         mirror.Activity
			actor     sql.NullString
			success   int
			createdAt string
		)
		if err := rows.Scan(&actor, &a.Mirror, &a.Message, &success, &createdAt); err != nil {
			return nil, err
		}
		a.Actor, a.Success = actor.String, success != 0
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			a.Timestamp = *ts
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Database) insert(ctx context.Context, tx *sql.Tx, table string, columns []string, values ...any) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "), strings.Join(d.args(len(columns)), ", "))

	if d.kind == postgres {
		var id int64
		if err := tx.QueryRowContext(ctx, query+" RETURNING id", values...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := tx.ExecContext(ctx, query, values...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) upsert(ctx context.Context, tx *sql.Tx, table string, columns []string, primaryKey []string, values ...any) error {
	var query string
	switch d.kind {
	case sqlite, postgres:
		set := make([]string, 0, len(columns))
		for i := range columns {
			if !contains(primaryKey, columns[i]) { // do not update primary key columns
				set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", columns[i], columns[i]))
			}
		}
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(primaryKey, ", "),
			strings.Join(set, ", "))

	case mysql:
		set := make([]string, 0, len(columns))
		for i := range columns {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", columns[i], columns[i]))
		}
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(set, ", "))
	}

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (d *Database) arg(i int) string {
	if d.kind == postgres {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}

	return args
}

func tx1(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}
