package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/tagsync/internal/models"
)

// AllMigrations returns the schema history in order.
//   - 001: journal_entries
//   - 002: job_runs
func AllMigrations() []Migration {
	return []Migration{
		{
			Version:     "001",
			Description: "Create journal entries table",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.JournalEntry{})
			},
		},
		{
			Version:     "002",
			Description: "Create job runs table",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.JobRun{})
			},
		},
	}
}
