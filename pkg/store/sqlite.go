package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a UserStore backed by SQLite.
//
// It keeps a read connection pool alongside a dedicated single write
// connection: SQLite allows many readers but only one writer in WAL mode, and
// funnelling every mutation through one connection serializes contact-set and
// pending-queue updates per login without any application-level locking.
type SQLiteStore struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// initializes the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	s := &SQLiteStore{conn: conn, writeConn: writeConn}

	if err := s.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// applyPragmas configures a connection for concurrent access.
func applyPragmas(conn *sql.DB) error {
	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// SQLite has foreign keys disabled by default
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return nil
}

// Close closes the database connections.
func (s *SQLiteStore) Close() error {
	s.writeConn.Close()
	return s.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
-- User table
CREATE TABLE IF NOT EXISTS User (
	login TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- Contact table (one row per directed contact edge)
CREATE TABLE IF NOT EXISTS Contact (
	login TEXT NOT NULL,
	contact TEXT NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (login, contact),
	FOREIGN KEY (login) REFERENCES User(login) ON DELETE CASCADE,
	FOREIGN KEY (contact) REFERENCES User(login) ON DELETE CASCADE
);

-- PendingMessage table (offline queue, drained on get_messages)
CREATE TABLE IF NOT EXISTS PendingMessage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient TEXT NOT NULL,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	queued_at INTEGER NOT NULL,
	FOREIGN KEY (recipient) REFERENCES User(login) ON DELETE CASCADE
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_pending_recipient ON PendingMessage(recipient, id);
`

	_, err := s.conn.Exec(schema)
	return err
}

// CreateUser registers a new login with an empty contact set and queue.
func (s *SQLiteStore) CreateUser(login, passwordHash string) error {
	_, err := s.writeConn.Exec(
		`INSERT INTO User (login, password_hash, created_at) VALUES (?, ?, ?)`,
		login, passwordHash, time.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrLoginTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UserExists reports whether the login is registered.
func (s *SQLiteStore) UserExists(login string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM User WHERE login = ?`, login).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return true, nil
}

// PasswordHash returns the stored password hash for the login.
func (s *SQLiteStore) PasswordHash(login string) (string, error) {
	var hash string
	err := s.conn.QueryRow(`SELECT password_hash FROM User WHERE login = ?`, login).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNoSuchUser
	}
	if err != nil {
		return "", fmt.Errorf("failed to get password hash: %w", err)
	}
	return hash, nil
}

// Contacts returns the contact set for a login.
func (s *SQLiteStore) Contacts(login string) ([]string, error) {
	exists, err := s.UserExists(login)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoSuchUser
	}

	rows, err := s.conn.Query(`SELECT contact FROM Contact WHERE login = ? ORDER BY added_at, contact`, login)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	contacts := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddContact inserts contact into login's contact set.
func (s *SQLiteStore) AddContact(login, contact string) error {
	tx, err := s.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := userExistsTx(tx, contact); err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO Contact (login, contact, added_at) VALUES (?, ?, ?)`,
		login, contact, time.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyContact
		}
		return fmt.Errorf("failed to add contact: %w", err)
	}

	return tx.Commit()
}

// RemoveContact removes contact from login's contact set.
func (s *SQLiteStore) RemoveContact(login, contact string) error {
	tx, err := s.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := userExistsTx(tx, contact); err != nil {
		return err
	}

	res, err := tx.Exec(`DELETE FROM Contact WHERE login = ? AND contact = ?`, login, contact)
	if err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotContact
	}

	return tx.Commit()
}

// AppendPending appends one message to the recipient's offline queue.
func (s *SQLiteStore) AppendPending(recipient string, msg PendingMessage) error {
	tx, err := s.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := userExistsTx(tx, recipient); err != nil {
		return err
	}

	queuedAt := msg.QueuedAt
	if queuedAt == 0 {
		queuedAt = time.Now().UnixMilli()
	}

	_, err = tx.Exec(
		`INSERT INTO PendingMessage (recipient, sender, body, queued_at) VALUES (?, ?, ?, ?)`,
		recipient, msg.From, msg.Body, queuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append pending message: %w", err)
	}

	return tx.Commit()
}

// DrainPending atomically reads and clears the recipient's offline queue.
// The select and delete commit as one transaction, so a concurrent append
// lands either wholly before the drain (and is returned) or wholly after
// (and survives for the next drain).
func (s *SQLiteStore) DrainPending(recipient string) ([]PendingMessage, error) {
	tx, err := s.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := userExistsTx(tx, recipient); err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		`SELECT sender, body, queued_at FROM PendingMessage WHERE recipient = ? ORDER BY id`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}

	messages := []PendingMessage{}
	for rows.Next() {
		var msg PendingMessage
		if err := rows.Scan(&msg.From, &msg.Body, &msg.QueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM PendingMessage WHERE recipient = ?`, recipient); err != nil {
		return nil, fmt.Errorf("failed to clear pending messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}

	return messages, nil
}

// userExistsTx checks login existence inside a transaction.
func userExistsTx(tx *sql.Tx, login string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM User WHERE login = ?`, login).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNoSuchUser
	}
	if err != nil {
		return fmt.Errorf("failed to check user existence: %w", err)
	}
	return nil
}
