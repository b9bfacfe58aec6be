package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	// Database drivers for the two supported backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SessionPolicy decides what AddSession does when the session hash is
// already stored.
type SessionPolicy uint8

const (
	// SessionReplace removes the prior row (and, by cascade, its data)
	// before inserting the new one.
	SessionReplace SessionPolicy = 0

	// SessionReject refuses the new session and keeps the stored rows.
	SessionReject SessionPolicy = 1
)

// ParseSessionPolicy maps a SessionHashPolicy option value to a policy.
func ParseSessionPolicy(s string) (SessionPolicy, error) {
	switch strings.ToLower(s) {
	case "replace":
		return SessionReplace, nil
	case "reject":
		return SessionReject, nil
	default:
		return 0, fmt.Errorf("unknown session hash policy: %q", s)
	}
}

// Config selects and parameterizes the backend.
type Config struct {
	Backend Backend

	// FilePath locates the sqlite3 database file.
	FilePath string

	// Networked backend parameters.
	Name     string
	User     string
	Password string
	Address  string
	Port     uint16

	// SessionPolicy applies on session-hash collisions.
	SessionPolicy SessionPolicy
}

// Store owns one backend connection and translates semantic operations
// into SQL.
type Store struct {
	cfg    Config
	logger *zap.Logger
	db     *sql.DB
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{cfg: cfg, logger: logger}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	var (
		driverName string
		dsn        string
	)
	switch s.cfg.Backend {
	case SQLite3:
		driverName = "sqlite3"
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on", s.cfg.FilePath)
	case PostgreSQL:
		driverName = "pgx"
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(s.cfg.User, s.cfg.Password),
			Host:   fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
			Path:   "/" + s.cfg.Name,
		}
		dsn = u.String()
	default:
		return fmt.Errorf("unknown backend: %d", s.cfg.Backend)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", s.cfg.Backend, err)
	}
	if s.cfg.Backend == SQLite3 {
		// One writer; the database worker is the single caller anyway
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to reach %s store: %w", s.cfg.Backend, err)
	}

	s.db = db
	s.logger.Info("store opened", zap.String("backend", s.cfg.Backend.String()))
	return nil
}

// Close releases the backend connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Backend returns the configured backend.
func (s *Store) Backend() Backend {
	return s.cfg.Backend
}

// isConnErr reports whether an error looks like a lost backend
// connection rather than a query problem.
func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"conn closed",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withRetry runs fn, and after a dropped connection on the networked
// backend reconnects once and runs it again. Query errors pass through.
func (s *Store) withRetry(fn func() error) error {
	err := fn()
	if err == nil || s.cfg.Backend != PostgreSQL || !isConnErr(err) {
		return err
	}

	s.logger.Warn("store connection lost, reconnecting once", zap.Error(err))
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	if rerr := s.connect(); rerr != nil {
		s.logger.Error("store reconnect failed", zap.Error(rerr))
		return err
	}
	return fn()
}

// Init creates the schema. With forced set, all tables are dropped
// first; otherwise only missing tables are created.
func (s *Store) Init(forced bool) error {
	return s.withRetry(func() error {
		if forced {
			for _, stmt := range dropTableStatements() {
				if _, err := s.db.Exec(stmt); err != nil {
					return fmt.Errorf("failed to drop table: %w", err)
				}
			}
		}
		for _, stmt := range createTableStatements(s.cfg.Backend) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
		return nil
	})
}

// Check verifies the connection and the presence of the device table.
func (s *Store) Check() error {
	return s.withRetry(func() error {
		if err := s.db.Ping(); err != nil {
			return err
		}
		var n int64
		return s.db.QueryRow("SELECT COUNT(*) FROM " + TableDevices).Scan(&n)
	})
}

// insertReturningID inserts one row and reports the assigned id. The
// query must use ?-style placeholders and no RETURNING clause.
func (s *Store) insertReturningID(query string, args ...any) (int64, error) {
	if s.cfg.Backend == PostgreSQL {
		var id int64
		err := s.db.QueryRow(rebind(PostgreSQL, query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Devices reads all stored device rows.
func (s *Store) Devices() ([]Device, error) {
	var devices []Device
	err := s.withRetry(func() error {
		devices = devices[:0]
		rows, err := s.db.Query(
			"SELECT id, hash, name, address, port FROM " + TableDevices + " ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var d Device
			var port int64
			if err := rows.Scan(&d.ID, &d.Hash, &d.Name, &d.Address, &port); err != nil {
				return err
			}
			d.Port = uint16(port)
			devices = append(devices, d)
		}
		return rows.Err()
	})
	return devices, err
}

// DeviceByHash reads one device row.
func (s *Store) DeviceByHash(hash string) (*Device, error) {
	var dev *Device
	err := s.withRetry(func() error {
		q := rebind(s.cfg.Backend,
			"SELECT id, hash, name, address, port FROM "+TableDevices+
				" WHERE "+hashWhere(s.cfg.Backend, "hash"))
		var d Device
		var port int64
		err := s.db.QueryRow(q, hash).Scan(&d.ID, &d.Hash, &d.Name, &d.Address, &port)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSuchDevice
		}
		if err != nil {
			return err
		}
		d.Port = uint16(port)
		dev = &d
		return nil
	})
	return dev, err
}

// AddDevice inserts a device row and fills in the assigned id. Without
// forced, a stored hash fails with ErrDeviceExists; with forced, the
// prior row (and its sessions, by cascade) is replaced.
func (s *Store) AddDevice(d *Device, forced bool) error {
	return s.withRetry(func() error {
		existing, err := s.DeviceByHash(d.Hash)
		if err != nil && !errors.Is(err, ErrNoSuchDevice) {
			return err
		}
		if existing != nil {
			if !forced {
				return ErrDeviceExists
			}
			s.logger.Warn("replacing stored device",
				zap.String("hash", d.Hash),
				zap.String("old_name", existing.Name),
				zap.String("new_name", d.Name))
			if err := s.RemoveDevice(d.Hash); err != nil {
				return err
			}
		}

		id, err := s.insertReturningID(
			rebind(s.cfg.Backend,
				"INSERT INTO "+TableDevices+" (hash, name, address, port) VALUES (?, ?, ?, ?)"),
			d.Hash, d.Name, d.Address, int64(d.Port))
		if err != nil {
			return fmt.Errorf("failed to insert device: %w", err)
		}
		d.ID = id
		return nil
	})
}

// RemoveDevice deletes a device row; sessions and data rows follow by
// cascade.
func (s *Store) RemoveDevice(hash string) error {
	return s.withRetry(func() error {
		q := rebind(s.cfg.Backend,
			"DELETE FROM "+TableDevices+" WHERE "+hashWhere(s.cfg.Backend, "hash"))
		res, err := s.db.Exec(q, hash)
		if err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNoSuchDevice
		}
		return nil
	})
}

// Sessions reads stored session rows, newest first. A non-empty
// deviceHash restricts the listing to one device.
func (s *Store) Sessions(deviceHash string) ([]Session, error) {
	var sessions []Session
	err := s.withRetry(func() error {
		sessions = sessions[:0]
		base := "SELECT s.id, s.hash, s.name, s.start_ts, s.end_ts, s.device, d.hash" +
			" FROM " + TableSessions + " s JOIN " + TableDevices + " d ON s.device = d.id"
		var (
			rows *sql.Rows
			err  error
		)
		if deviceHash != "" {
			q := rebind(s.cfg.Backend, base+" WHERE "+hashWhere(s.cfg.Backend, "d.hash")+" ORDER BY s.id DESC")
			rows, err = s.db.Query(q, deviceHash)
		} else {
			rows, err = s.db.Query(base + " ORDER BY s.id DESC")
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sess Session
			if err := rows.Scan(&sess.ID, &sess.Hash, &sess.Name, &sess.Started,
				&sess.Ended, &sess.DeviceID, &sess.DeviceHash); err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	return sessions, err
}

// OpenSessions reads every session row with a zero end timestamp.
func (s *Store) OpenSessions() ([]Session, error) {
	var open []Session
	err := s.withRetry(func() error {
		open = open[:0]
		rows, err := s.db.Query(
			"SELECT s.id, s.hash, s.name, s.start_ts, s.end_ts, s.device, d.hash" +
				" FROM " + TableSessions + " s JOIN " + TableDevices + " d ON s.device = d.id" +
				" WHERE s.end_ts = 0 ORDER BY s.id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sess Session
			if err := rows.Scan(&sess.ID, &sess.Hash, &sess.Name, &sess.Started,
				&sess.Ended, &sess.DeviceID, &sess.DeviceHash); err != nil {
				return err
			}
			open = append(open, sess)
		}
		return rows.Err()
	})
	return open, err
}

// AddSession inserts a session row for the device named by
// sess.DeviceHash and fills in the assigned ids.
//
// A stored session with the same hash is handled per the configured
// collision policy. Any still-open session for the same device is ended
// first, keeping at most one open session per device.
func (s *Store) AddSession(sess *Session) error {
	return s.withRetry(func() error {
		dev, err := s.DeviceByHash(sess.DeviceHash)
		if err != nil {
			return err
		}

		var priorID int64
		q := rebind(s.cfg.Backend,
			"SELECT id FROM "+TableSessions+" WHERE "+hashWhere(s.cfg.Backend, "hash"))
		err = s.db.QueryRow(q, sess.Hash).Scan(&priorID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no collision
		case err != nil:
			return err
		default:
			if s.cfg.SessionPolicy == SessionReject {
				s.logger.Error("session hash collision, rejecting new session",
					zap.String("session_hash", sess.Hash),
					zap.String("device_hash", sess.DeviceHash))
				return ErrSessionExists
			}
			// Aggressive reclamation: stored rows for this hash are
			// discarded by cascade.
			s.logger.Warn("session hash collision, removing prior session and its data",
				zap.String("session_hash", sess.Hash),
				zap.Int64("prior_id", priorID))
			if err := s.RemoveSession(sess.Hash); err != nil {
				return err
			}
		}

		// At most one open session per device
		closeQ := rebind(s.cfg.Backend,
			"UPDATE "+TableSessions+" SET end_ts = ? WHERE device = ? AND end_ts = 0")
		res, err := s.db.Exec(closeQ, sess.Started, dev.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Warn("device had open sessions at session start, ended them",
				zap.String("device_hash", sess.DeviceHash),
				zap.Int64("count", n))
		}

		id, err := s.insertReturningID(
			rebind(s.cfg.Backend,
				"INSERT INTO "+TableSessions+" (hash, name, start_ts, end_ts, device) VALUES (?, ?, ?, 0, ?)"),
			sess.Hash, sess.Name, sess.Started, dev.ID)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		sess.ID = id
		sess.DeviceID = dev.ID
		sess.Ended = 0
		return nil
	})
}

// EndSession stamps the end timestamp on the open session with the given
// hash. Returns ErrNoOpenSession when no open row matches.
func (s *Store) EndSession(hash string, endedAt int64) error {
	if endedAt == 0 {
		endedAt = time.Now().Unix()
	}
	return s.withRetry(func() error {
		q := rebind(s.cfg.Backend,
			"UPDATE "+TableSessions+" SET end_ts = ? WHERE "+hashWhere(s.cfg.Backend, "hash")+" AND end_ts = 0")
		res, err := s.db.Exec(q, endedAt, hash)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNoOpenSession
		}
		return nil
	})
}

// RemoveSession deletes a session row and, by cascade, its data rows.
func (s *Store) RemoveSession(hash string) error {
	return s.withRetry(func() error {
		q := rebind(s.cfg.Backend,
			"DELETE FROM "+TableSessions+" WHERE "+hashWhere(s.cfg.Backend, "hash"))
		if _, err := s.db.Exec(q, hash); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// openSessionID resolves the open session row for a session hash.
func (s *Store) openSessionID(hash string) (int64, error) {
	q := rebind(s.cfg.Backend,
		"SELECT id FROM "+TableSessions+" WHERE "+hashWhere(s.cfg.Backend, "hash")+" AND end_ts = 0")
	var id int64
	err := s.db.QueryRow(q, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoOpenSession
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}
