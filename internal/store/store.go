// Package store implements the hub's persistent typed namespace: device
// identity keys, server-pinned credentials, and the adopted flag, backed
// by a single SQLite key/value table opened in WAL mode.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known keys in the persistent namespace, matching the original
// firmware's Preferences-style slots.
const (
	KeyDevicePrivateKey    = "dev_priv"
	KeyDevicePublicKey     = "dev_pub"
	KeyServerCertChain     = "srv_cert"
	KeyServerSigningPubKey = "srv_sign_pub"
	KeyAdopted             = "adopted"
	KeyDeviceID            = "device_id"
)

// Store wraps the SQLite-backed key/value namespace.
type Store struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// GetString returns the string stored at key, or ("", false) if absent.
func (s *Store) GetString(key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

// PutString stores value at key, overwriting any existing value.
func (s *Store) PutString(key, value string) error {
	_, err := s.conn.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// GetBool returns the boolean stored at key, defaulting to false if absent.
func (s *Store) GetBool(key string) (bool, error) {
	v, ok, err := s.GetString(key)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// PutBool stores a boolean at key.
func (s *Store) PutBool(key string, value bool) error {
	if value {
		return s.PutString(key, "1")
	}
	return s.PutString(key, "0")
}

// Delete removes key from the namespace, if present.
func (s *Store) Delete(key string) error {
	_, err := s.conn.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// HasDeviceKeys reports whether a device identity key pair has been
// generated yet.
func (s *Store) HasDeviceKeys() (bool, error) {
	_, ok, err := s.GetString(KeyDevicePrivateKey)
	return ok, err
}

// HasServerCredentials reports whether server credentials have been
// pinned by the bootstrap step.
func (s *Store) HasServerCredentials() (bool, error) {
	_, ok, err := s.GetString(KeyServerCertChain)
	return ok, err
}

// SetDeviceKeys stores the device's identity key pair (PEM-encoded).
func (s *Store) SetDeviceKeys(privPEM, pubPEM string) error {
	if err := s.PutString(KeyDevicePrivateKey, privPEM); err != nil {
		return err
	}
	return s.PutString(KeyDevicePublicKey, pubPEM)
}

// SetServerCredentials pins the server's certificate chain and signing
// public key, set exactly once by bootstrap.
func (s *Store) SetServerCredentials(certChainPEM, signPubPEM string) error {
	if err := s.PutString(KeyServerCertChain, certChainPEM); err != nil {
		return err
	}
	return s.PutString(KeyServerSigningPubKey, signPubPEM)
}

// IsAdopted reports whether the hub has completed server adoption.
func (s *Store) IsAdopted() (bool, error) {
	return s.GetBool(KeyAdopted)
}

// SetAdopted sets the adopted flag.
func (s *Store) SetAdopted(v bool) error {
	return s.PutBool(KeyAdopted, v)
}

// FactoryReset wipes the entire persistent namespace, leaving the
// underlying table empty. Server credentials and device keys must be
// re-established by bootstrap afterward.
func (s *Store) FactoryReset() error {
	_, err := s.conn.Exec("DELETE FROM kv")
	if err != nil {
		return fmt.Errorf("store: factory reset: %w", err)
	}
	return nil
}
