// Package dbs provides the databases tests run against: an in-memory SQLite
// database, plus PostgreSQL and MySQL containers unless -short is set. The
// container databases are skipped when no Docker provider is available.
package dbs

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/repoautomator/prmirror/internal/config"
)

const (
	dbName     = "prmirror"
	dbUser     = "prmirror"
	dbPassword = "prmirror"
)

type Config struct {
	// Setup starts the container, nil for databases without one.
	Setup    func(*testing.T) testcontainers.Container
	Cleanup  func(*testing.T, testcontainers.Container) func()
	Database func(*testing.T, testcontainers.Container) *config.Root
}

func Configs(t *testing.T) map[string]Config {
	t.Helper()

	configs := map[string]Config{
		"sqlite": {
			Database: func(t *testing.T, _ testcontainers.Container) *config.Root {
				name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
				return root("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
			},
		},
	}

	if testing.Short() {
		return configs
	}

	configs["postgres"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			testcontainers.SkipIfProviderIsNotHealthy(t)
			ctr, err := tcpostgres.Run(context.Background(), "postgres:17-alpine",
				tcpostgres.WithDatabase(dbName),
				tcpostgres.WithUsername(dbUser),
				tcpostgres.WithPassword(dbPassword),
				tcpostgres.BasicWaitStrategies(),
			)
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*tcpostgres.PostgresContainer).ConnectionString(context.Background(), "sslmode=disable")
			if err != nil {
				t.Fatal(err)
			}
			return root("postgres", dsn)
		},
	}

	configs["mysql"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			testcontainers.SkipIfProviderIsNotHealthy(t)
			ctr, err := tcmysql.Run(context.Background(), "mysql:8.4",
				tcmysql.WithDatabase(dbName),
				tcmysql.WithUsername(dbUser),
				tcmysql.WithPassword(dbPassword),
			)
			if err != nil {
				t.Fatalf("start mysql: %v", err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*tcmysql.MySQLContainer).ConnectionString(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			return root("mysql", dsn)
		},
	}

	return configs
}

func root(driver, dsn string) *config.Root {
	return &config.Root{Database: &config.Database{SQL: &config.SQLDatabase{Driver: driver, DSN: dsn}}}
}

func terminate(t *testing.T, ctr testcontainers.Container) func() {
	return func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
}
