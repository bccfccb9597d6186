package state

import (
	"context"
	"database/sql"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"os"
	"testing"
)

const testDatabaseURLEnv = "XM_TEST_DATABASE_URL"

func setUpSQL(t *testing.T) *SQLRegistry {
	dbURL := os.Getenv(testDatabaseURLEnv)
	if dbURL == "" {
		t.Skipf("%s not set", testDatabaseURLEnv)
	}
	conf, _ := config.NewConfig(nil)
	conf.Set("database_url", dbURL)
	conf.Set("registry.dialect", "postgres")

	r, err := NewSQLRegistry(context.Background(), conf)
	require.NoError(t, err)
	return r.(*SQLRegistry)
}

func tearDownSQL(t *testing.T) {
	withDB(t, func(db *sql.DB) {
		db.Exec(`
			drop table if exists work_units CASCADE;
			drop table if exists experiments CASCADE;
		`)
	})
}

func withDB(t *testing.T, f func(db *sql.DB)) {
	gdb, err := gorm.Open(postgres.Open(os.Getenv(testDatabaseURLEnv)), &gorm.Config{})
	require.NoError(t, err)
	db, err := gdb.DB()
	require.NoError(t, err)
	defer db.Close()
	f(db)
}

func runSQLRegistryTest(t *testing.T, test func(r *SQLRegistry)) {
	r := setUpSQL(t)
	defer tearDownSQL(t)
	defer r.Close()
	test(r)
}

func TestSQLRegistry_CreateLookup(t *testing.T) {
	runSQLRegistryTest(t, func(r *SQLRegistry) {
		ctx := context.Background()
		a, err := r.Create(ctx, "cifar10")
		require.NoError(t, err)
		b, err := r.Create(ctx, "cifar10")
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)

		got, err := r.Lookup(ctx, a.ID)
		assert.NoError(t, err)
		assert.Equal(t, "cifar10", got.Title)

		_, err = r.Lookup(ctx, b.ID+1000)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, exceptions.ErrNotFound))
	})
}

func TestSQLRegistry_List(t *testing.T) {
	runSQLRegistryTest(t, func(r *SQLRegistry) {
		ctx := context.Background()
		titles := []string{"cupcake", "applesauce", "ketchup", "cupcake-2"}
		for _, title := range titles {
			_, err := r.Create(ctx, title)
			require.NoError(t, err)
		}

		all, err := Collect(r.List(ctx, nil))
		assert.NoError(t, err)
		assert.Len(t, all, len(titles))
		for i, e := range all {
			assert.Equal(t, titles[i], e.Title)
		}

		args := &ListArgs{}
		args.AddFilter("title", "cupcake")
		filtered, err := Collect(r.List(ctx, args))
		assert.NoError(t, err)
		assert.Len(t, filtered, 2)

		limit, offset, order := 2, 1, "desc"
		page, err := Collect(r.List(ctx, &ListArgs{Limit: &limit, Offset: &offset, Order: &order}))
		assert.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "ketchup", page[0].Title)
		assert.Equal(t, "applesauce", page[1].Title)
	})
}

func TestSQLRegistry_RecordWorkUnit(t *testing.T) {
	runSQLRegistryTest(t, func(r *SQLRegistry) {
		ctx := context.Background()
		e, err := r.Create(ctx, "sweep")
		require.NoError(t, err)

		wu := models.WorkUnit{
			ExperimentID: e.ID,
			Index:        0,
			Status:       "PENDING",
			Jobs:         models.JobRecords{{Name: "train", Backend: "local", Image: "xm-train:abc"}},
		}
		assert.NoError(t, r.RecordWorkUnit(ctx, wu))

		wu.Status = "RUNNING"
		wu.Jobs[0].HandleID = "c0ffee"
		assert.NoError(t, r.RecordWorkUnit(ctx, wu))

		units, err := r.ListWorkUnits(ctx, e.ID)
		assert.NoError(t, err)
		require.Len(t, units, 1)
		assert.Equal(t, "RUNNING", units[0].Status)
		assert.Equal(t, "c0ffee", units[0].Jobs[0].HandleID)
	})
}

func TestApplyFilters(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=xm dbname=xm sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	r := &SQLRegistry{db: db}

	query := func(filters map[string][]string) string {
		var experiments []models.Experiment
		return r.applyFilters(db.Model(&models.Experiment{}), filters).Find(&experiments).Statement.SQL.String()
	}

	stmt := query(map[string][]string{"created_at_since": {"2024-01-01", "2023-01-01"}})
	assert.Contains(t, stmt, "created_at >")
	assert.NotContains(t, stmt, "created_at_since")

	stmt = query(map[string][]string{"created_at_until": {"2024-01-01"}})
	assert.Contains(t, stmt, "created_at <")

	stmt = query(map[string][]string{"id": {"1", "2"}})
	assert.Contains(t, stmt, "id in")

	stmt = query(map[string][]string{"title": {"cifar"}})
	assert.Contains(t, stmt, "title like")

	stmt = query(map[string][]string{"owner": {"me"}})
	assert.NotContains(t, stmt, "owner")
}
