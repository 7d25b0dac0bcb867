package metadata

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	original TEXT NOT NULL,
	type TEXT NOT NULL,
	size INTEGER NOT NULL,
	hash TEXT NOT NULL,
	ip TEXT,
	userid INTEGER,
	albumid INTEGER,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_dedup ON files(hash, size, userid);
CREATE INDEX IF NOT EXISTS idx_files_albumid ON files(albumid);

CREATE TABLE IF NOT EXISTS albums (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	userid INTEGER NOT NULL,
	name TEXT NOT NULL,
	editedAt INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	token TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1
);
`

// Open opens the sqlite database at dbPath and ensures the schema exists.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
