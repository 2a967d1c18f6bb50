package migrate

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"slabdb/pkg/common"
	"slabdb/pkg/storage"
)

// SQLiteStore keeps blocks in a single sqlite table keyed by name. It
// is the interchange format for moving data in and out of block files.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS blocks (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("init blocks table: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Enumerate() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM blocks ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Read(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM blocks WHERE name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) Write(name string, data []byte) error {
	if err := common.ValidateBlockName(name); err != nil {
		return err
	}
	if data == nil {
		data = []byte{} // zero-length blocks are legal; NULL is not
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO blocks (name, data) VALUES (?, ?)", name, data)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
