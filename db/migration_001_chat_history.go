package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "Create chat_history table",
		Up:          migration001ChatHistory,
	})
}

func migration001ChatHistory(database *sql.DB) error {
	_, err := database.Exec(`
		CREATE TABLE IF NOT EXISTS chat_history (
			session_name TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			direction    TEXT NOT NULL,
			text         TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			PRIMARY KEY (session_name, seq)
		)
	`)
	return err
}
