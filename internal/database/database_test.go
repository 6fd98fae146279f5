package database_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/testcontainers/testcontainers-go"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/database"
	"github.com/repoautomator/prmirror/internal/migrations"
	"github.com/repoautomator/prmirror/internal/mirror"
	"github.com/repoautomator/prmirror/internal/test/dbs"
)

// eachDatabase runs test against every test database, each migrated from
// scratch.
func eachDatabase(t *testing.T, test func(t *testing.T, db *database.Database)) {
	t.Helper()
	for databaseType, databaseConfig := range dbs.Configs(t) {
		t.Run(databaseType, func(t *testing.T) {
			t.Parallel()
			var ctr testcontainers.Container
			if databaseConfig.Setup != nil {
				ctr = databaseConfig.Setup(t)
				t.Cleanup(databaseConfig.Cleanup(t, ctr))
			}

			db, err := migrations.New().
				WithConfig(databaseConfig.Database(t, ctr).Database).
				WithMigrate(true).
				Run(t.Context())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			t.Cleanup(db.CloseDB)

			test(t, db)
		})
	}
}

func testMirror(name string) *config.Mirror {
	return &config.Mirror{
		Name:  name,
		Owner: "alice",
		Base:  "main",
		Primary: config.Repository{
			Host:  config.GitHub,
			Owner: "acme",
			Name:  "widgets",
			Token: "encrypted-gh",
		},
		Secondary: config.Repository{
			Host:     config.Bitbucket,
			Owner:    "acme",
			Name:     "widgets",
			Username: "bot",
			Token:    "encrypted-bb",
			OAuth: &config.OAuth{
				ClientID:     "id",
				ClientSecret: "secret",
				RefreshToken: "refresh",
			},
		},
	}
}

func TestMirrors(t *testing.T) {
	eachDatabase(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()

		root := &config.Root{Mirrors: map[string]*config.Mirror{
			"widgets": testMirror("widgets"),
			"gadgets": testMirror("gadgets"),
		}}
		if err := db.LoadConfig(ctx, root); err != nil {
			t.Fatal(err)
		}

		got, err := db.GetMirror(ctx, "widgets")
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(root.Mirrors["widgets"]) {
			t.Fatalf("unexpected mirror: %+v", got)
		}

		// Loading again replaces the stored configuration.
		changed := testMirror("widgets")
		changed.Base = "develop"
		if err := db.UpsertMirror(ctx, changed); err != nil {
			t.Fatal(err)
		}
		got, err = db.GetMirror(ctx, "widgets")
		if err != nil {
			t.Fatal(err)
		}
		if got.Base != "develop" {
			t.Fatalf("expected updated base, got %q", got.Base)
		}

		all, err := db.ListMirrors(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, m := range all {
			names = append(names, m.Name)
		}
		if diff := cmp.Diff([]string{"gadgets", "widgets"}, names); diff != "" {
			t.Fatalf("unexpected mirrors (-want,+got):\n%s", diff)
		}

		if _, err := db.GetMirror(ctx, "unknown"); !errors.Is(err, mirror.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestRecords(t *testing.T) {
	eachDatabase(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()

		if err := db.UpsertMirror(ctx, testMirror("widgets")); err != nil {
			t.Fatal(err)
		}

		created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		rec := mirror.NewRecord("widgets", "https://api.github.com/repos/acme/widgets/pulls/7", "https://api.bitbucket.org/2.0/repositories/acme/widgets/pullrequests/3", 3)
		rec.Title, rec.Author, rec.CreatedAt = "Add feature", "carol", created

		if err := db.CreateRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if rec.ID == 0 {
			t.Fatal("expected ID to be assigned")
		}

		dup := mirror.NewRecord("widgets", rec.PrimaryPRURL, "https://example.com/other", 4)
		if err := db.CreateRecord(ctx, dup); !errors.Is(err, mirror.ErrDuplicate) {
			t.Fatalf("expected duplicate, got %v", err)
		}

		got, err := db.GetRecordByPrimaryURL(ctx, rec.PrimaryPRURL)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("unexpected record (-want,+got):\n%s", diff)
		}

		open, err := db.ListOpenRecords(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(open) != 1 || open[0].ID != rec.ID {
			t.Fatalf("expected one open record, got %v", open)
		}

		merged := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
		if err := rec.MarkMerged(merged); err != nil {
			t.Fatal(err)
		}
		rec.SetCommentCount(2)
		if err := db.UpdateRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		// Writing unchanged values is not a missing record.
		if err := db.UpdateRecord(ctx, rec); err != nil {
			t.Fatalf("expected unchanged update to succeed, got %v", err)
		}

		got, err = db.GetRecordByPrimaryURL(ctx, rec.PrimaryPRURL)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("unexpected record (-want,+got):\n%s", diff)
		}

		open, err = db.ListOpenRecords(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(open) != 0 {
			t.Fatalf("expected no open records, got %d", len(open))
		}

		if _, err := db.GetRecordByPrimaryURL(ctx, "https://example.com/missing"); !errors.Is(err, mirror.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		missing := &mirror.Record{ID: 4711, State: mirror.StateOpen}
		if err := db.UpdateRecord(ctx, missing); !errors.Is(err, mirror.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestActivities(t *testing.T) {
	eachDatabase(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()

		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		entries := []mirror.Activity{
			{Actor: "carol", Mirror: "widgets", Message: "Mirrored pull request.", Success: true, Timestamp: base},
			{Actor: "", Mirror: "gadgets", Message: "Push failed.", Success: false, Timestamp: base.Add(time.Minute)},
			{Actor: "dave", Mirror: "widgets", Message: "Pull requests merged automatically.", Success: true, Timestamp: base.Add(2 * time.Minute)},
		}
		for _, a := range entries {
			if err := db.AppendActivity(ctx, a); err != nil {
				t.Fatal(err)
			}
		}

		got, err := db.ListActivities(ctx, "widgets", 0)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]mirror.Activity{entries[2], entries[0]}, got); diff != "" {
			t.Fatalf("unexpected activities (-want,+got):\n%s", diff)
		}

		got, err = db.ListActivities(ctx, "", 1)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]mirror.Activity{entries[2]}, got); diff != "" {
			t.Fatalf("unexpected activities (-want,+got):\n%s", diff)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	db := (&database.Database{}).WithConfig(&config.Database{SQL: &config.SQLDatabase{Driver: "oracle"}})
	if err := db.InitDB(t.Context()); !errors.Is(err, database.ErrUnsupportedDriver) {
		t.Fatalf("expected unsupported driver, got %v", err)
	}
}
