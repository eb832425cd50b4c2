package database

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPgRoomRepository opens a PostgreSQL backed repository and verifies
// the connection.
func NewPgRoomRepository(dsn string) (*SqlRoomRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SqlRoomRepository{conn: db, rebind: bindDollar}, nil
}
