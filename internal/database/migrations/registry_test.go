package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestAllMigrations_VersionsAreOrderedAndUnique(t *testing.T) {
	migrations := AllMigrations()
	require.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestMigrator_Up(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())
	require.NoError(t, migrator.Up(ctx))

	assert.True(t, db.Migrator().HasTable("journal_entries"))
	assert.True(t, db.Migrator().HasTable("job_runs"))
	assert.True(t, db.Migrator().HasTable("schema_migrations"))

	// Idempotent.
	require.NoError(t, migrator.Up(ctx))
	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(len(AllMigrations())), count)
}

func TestMigrator_Status(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(AllMigrations()))
	for _, s := range statuses {
		assert.False(t, s.Applied)
		assert.Nil(t, s.AppliedAt)
	}

	require.NoError(t, migrator.Up(ctx))

	statuses, err = migrator.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll([]Migration{{
		Version:     "900",
		Description: "broken",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE TABLE (").Error
		},
	}})

	assert.Error(t, migrator.Up(ctx))

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Applied)
}
