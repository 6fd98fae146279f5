// Package migrations creates and upgrades the prmirror schema. Migrations are
// generated per SQL dialect from the table definitions in this package.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	mysqlmigrate "github.com/golang-migrate/migrate/v4/database/mysql"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/yalue/merged_fs"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/database"
	prmfs "github.com/repoautomator/prmirror/internal/fs"
	"github.com/repoautomator/prmirror/internal/logging"
)

type Migrator struct {
	config  *config.Database
	log     *logging.Logger
	migrate bool
}

func New() *Migrator {
	return &Migrator{}
}

func (m *Migrator) WithConfig(config *config.Database) *Migrator {
	m.config = config
	return m
}

func (m *Migrator) WithLogger(log *logging.Logger) *Migrator {
	m.log = log
	return m
}

// WithMigrate controls whether pending migrations are applied. Without it,
// Run only opens the database.
func (m *Migrator) WithMigrate(yes bool) *Migrator {
	m.migrate = yes
	return m
}

func (m *Migrator) Run(ctx context.Context) (*database.Database, error) {
	if m.log == nil {
		m.log = logging.NewNop()
	}

	db := (&database.Database{}).WithConfig(m.config).WithLogger(m.log)
	if err := db.InitDB(ctx); err != nil {
		return nil, err
	}

	if !m.migrate {
		return db, nil
	}

	if err := m.up(ctx, db); err != nil {
		db.CloseDB()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func (m *Migrator) up(ctx context.Context, db *database.Database) error {
	dialect, err := db.Dialect()
	if err != nil {
		return err
	}

	src, err := iofs.New(Migrations(dialect), ".")
	if err != nil {
		return err
	}
	defer src.Close()

	// The pgx and mysql drivers close the *sql.DB they are given, so they get
	// a session of their own. The sqlite driver works on the shared handle
	// since an in-memory database does not outlive its last connection.
	var drv migratedb.Driver
	switch dialect {
	case "sqlite":
		drv, err = sqlitemigrate.WithInstance(db.DB(), &sqlitemigrate.Config{})
	case "postgresql", "mysql":
		session, err := db.OpenSession(ctx)
		if err != nil {
			return err
		}
		if dialect == "postgresql" {
			drv, err = pgxmigrate.WithInstance(session, &pgxmigrate.Config{})
		} else {
			drv, err = mysqlmigrate.WithInstance(session, &mysqlmigrate.Config{})
		}
		if err != nil {
			session.Close()
			return err
		}
		defer drv.Close()
	}
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return err
	}
	mig.Log = &migrateLogger{log: m.log}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Migrations returns all migrations for the given dialect, one statement per
// file as MySQL refuses multi-statement executions by default.
func Migrations(dialect string) fs.FS {
	var kind int
	switch dialect {
	case "postgresql":
		kind = postgres
	case "mysql":
		kind = mysql
	case "sqlite":
		kind = sqlite
	}

	return merged_fs.MergeMultiple(
		initialSchemaFS(kind),
		indexesFS(4),
	)
}

var schema = []*sqlTable{
	createSQLTable("mirrors").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullUniqueColumn("name").
		TextNonNullColumn("config"),
	createSQLTable("mirror_records").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullColumn("mirror").
		VarCharNonNullUniqueColumn("primary_pr_url").
		TextNonNullColumn("secondary_pr_url").
		IntegerNonNullColumn("external_id").
		TextColumn("title").
		TextColumn("author").
		VarCharNonNullColumn("state").
		IntegerNonNullColumn("comment_count").
		VarCharColumn("merged_at").
		VarCharNonNullColumn("created_at").
		ForeignKey("mirror", "mirrors(name)"),
	createSQLTable("activities").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharColumn("actor").
		VarCharNonNullColumn("mirror").
		TextNonNullColumn("message").
		IntegerNonNullColumn("success").
		VarCharNonNullColumn("created_at"),
}

func initialSchemaFS(kind int) fs.FS {
	m := make(map[string]string, len(schema))
	for i, tbl := range schema {
		m[fmt.Sprintf("%03d_create_%s.up.sql", i+1, tbl.name)] = tbl.SQL(kind)
	}
	return prmfs.MapFS(m)
}

var indexes = []struct {
	table   string
	columns string
}{
	{"mirror_records", "state"},
	{"activities", "mirror"},
}

func indexesFS(offset int) fs.FS {
	m := make(map[string]string, len(indexes))
	for i, idx := range indexes {
		m[fmt.Sprintf("%03d_index_%s_%s.up.sql", i+offset, idx.table, idx.columns)] =
			fmt.Sprintf("CREATE INDEX prm_v1_%[1]s_%[2]s_idx ON %[1]s (%[2]s)", idx.table, idx.columns)
	}
	return prmfs.MapFS(m)
}

type migrateLogger struct {
	log *logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (*migrateLogger) Verbose() bool {
	return false
}
