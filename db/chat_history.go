package db

import (
	"database/sql"
)

// ChatMessage is one durable conversation log row
type ChatMessage struct {
	SessionName string
	Seq         int64
	Direction   string
	Text        string
	TS          int64 // unix milliseconds
}

// InsertChatMessage appends one row to the conversation log
func (d *DB) InsertChatMessage(m ChatMessage) error {
	_, err := d.Run(
		`INSERT OR IGNORE INTO chat_history (session_name, seq, direction, text, ts)
		 VALUES (?, ?, ?, ?, ?)`,
		m.SessionName, m.Seq, m.Direction, m.Text, m.TS,
	)
	return err
}

// GetChatHistory returns the most recent limit rows for a session, oldest first
func (d *DB) GetChatHistory(sessionName string, limit int) ([]ChatMessage, error) {
	rows, err := Select(d,
		`SELECT session_name, seq, direction, text, ts
		 FROM chat_history
		 WHERE session_name = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		[]QueryParam{sessionName, limit},
		func(rows *sql.Rows) (ChatMessage, error) {
			var m ChatMessage
			err := rows.Scan(&m.SessionName, &m.Seq, &m.Direction, &m.Text, &m.TS)
			return m, err
		},
	)
	if err != nil {
		return nil, err
	}
	// Newest-first from the query; reverse to oldest-first
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// MaxChatSeq returns the highest sequence number recorded for a session (0 if none)
func (d *DB) MaxChatSeq(sessionName string) (int64, error) {
	row, err := SelectOne(d,
		`SELECT COALESCE(MAX(seq), 0) FROM chat_history WHERE session_name = ?`,
		[]QueryParam{sessionName},
		func(row *sql.Row) (int64, error) {
			var seq int64
			err := row.Scan(&seq)
			return seq, err
		},
	)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return *row, nil
}

// ClearChatHistory removes all rows for one session
func (d *DB) ClearChatHistory(sessionName string) error {
	_, err := d.Run(`DELETE FROM chat_history WHERE session_name = ?`, sessionName)
	return err
}

// ClearAllChatHistory removes every conversation log row
func (d *DB) ClearAllChatHistory() error {
	_, err := d.Run(`DELETE FROM chat_history`)
	return err
}
