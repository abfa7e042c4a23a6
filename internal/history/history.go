package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Entry is one persisted cycle snapshot.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	CO2         float64   `json:"co2"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	FanSpeed    float64   `json:"fan_speed"`
	Heater      bool      `json:"heater"`
	Humidifier  bool      `json:"humidifier"`
	Phase       string    `json:"phase"`
}

// Store keeps a rolling window of cycle snapshots in SQLite so the API can
// serve recent history across restarts.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS measurements (
		ts          INTEGER NOT NULL,
		co2         REAL NOT NULL,
		temperature REAL NOT NULL,
		humidity    REAL NOT NULL,
		fan_speed   REAL NOT NULL,
		heater      INTEGER NOT NULL,
		humidifier  INTEGER NOT NULL,
		phase       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_ts ON measurements(ts);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Insert(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO measurements (ts, co2, temperature, humidity, fan_speed, heater, humidifier, phase)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Unix(), e.CO2, e.Temperature, e.Humidity, e.FanSpeed, e.Heater, e.Humidifier, e.Phase,
	)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT ts, co2, temperature, humidity, fan_speed, heater, humidifier, phase
		 FROM measurements ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&ts, &e.CO2, &e.Temperature, &e.Humidity, &e.FanSpeed, &e.Heater, &e.Humidifier, &e.Phase); err != nil {
			return nil, fmt.Errorf("history: scan entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneOlderThan drops entries past the retention window.
func (s *Store) PruneOlderThan(age time.Duration) error {
	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM measurements WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Int64("rows", n).Msg("Pruned history entries")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
