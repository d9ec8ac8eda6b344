// Package accounts provides the broker account store backed by accounts.db.
// Accounts are operator-managed records the core only reads: which broker
// logins exist, their protocol, connection settings and failover priority.
package accounts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
)

// Schema is the accounts table definition, applied on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	protocol    TEXT NOT NULL,
	settings    TEXT NOT NULL DEFAULT '{}',
	priority    INTEGER NOT NULL DEFAULT 100,
	enabled     INTEGER NOT NULL DEFAULT 1,
	description TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_priority ON accounts(priority);
`

// Repository handles account database operations and implements the
// domain.AccountStore port. Settings are stored as a JSON column.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new account repository and applies the schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply accounts schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "accounts").Logger(),
	}, nil
}

// IsAvailable reports whether the store can currently serve reads.
func (r *Repository) IsAvailable() bool {
	var one int
	err := r.db.QueryRow("SELECT 1").Scan(&one)
	if err != nil {
		r.log.Warn().Err(err).Msg("Account store unavailable")
		return false
	}
	return true
}

// ListAccounts returns accounts ordered by priority ascending. When
// enabledOnly is true, disabled accounts are filtered out.
func (r *Repository) ListAccounts(enabledOnly bool) ([]domain.Account, error) {
	query := "SELECT id, protocol, settings, priority, enabled, description FROM accounts"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan account row")
			continue
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns the account with the given id, or nil when absent.
func (r *Repository) GetAccount(id string) (*domain.Account, error) {
	row := r.db.QueryRow(
		"SELECT id, protocol, settings, priority, enabled, description FROM accounts WHERE id = ?", id)

	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return account, nil
}

// Upsert inserts or replaces an account record. Operator and test surface;
// the core never calls this.
func (r *Repository) Upsert(account domain.Account) error {
	settingsJSON, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings for %s: %w", account.ID, err)
	}

	enabled := 0
	if account.Enabled {
		enabled = 1
	}

	_, err = r.db.Exec(`
		INSERT INTO accounts (id, protocol, settings, priority, enabled, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protocol = excluded.protocol,
			settings = excluded.settings,
			priority = excluded.priority,
			enabled = excluded.enabled,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, account.ID, string(account.Protocol), string(settingsJSON),
		account.Priority, enabled, account.Description, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.ID, err)
	}
	return nil
}

// Delete removes an account record. Missing ids are not an error.
func (r *Repository) Delete(id string) error {
	if _, err := r.db.Exec("DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanAccount.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var (
		account      domain.Account
		protocol     string
		settingsJSON string
		enabled      int
	)
	if err := row.Scan(&account.ID, &protocol, &settingsJSON,
		&account.Priority, &enabled, &account.Description); err != nil {
		return nil, err
	}

	account.Protocol = domain.ProtocolName(protocol)
	account.Enabled = enabled != 0
	account.Settings = map[string]string{}
	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &account.Settings); err != nil {
			return nil, fmt.Errorf("invalid settings JSON for account %s: %w", account.ID, err)
		}
	}
	return &account, nil
}
