package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUserNotFound       = errors.New("db: user not found")
	ErrEmailTaken         = errors.New("db: email already registered")
	ErrConnectionNotFound = errors.New("db: connection not found")
)

// UserQueries is the query surface over users, connections and per-user
// config overrides.
type UserQueries struct {
	db *sql.DB
}

// CreateUser inserts a new account.
func (q *UserQueries) CreateUser(u *User) error {
	_, err := q.db.Exec(`INSERT INTO users (id, email, password_hash, auto_trade, subscription_active)
		VALUES (?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.AutoTrade, u.SubscriptionActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail looks an account up for login.
func (q *UserQueries) GetUserByEmail(email string) (*User, error) {
	row := q.db.QueryRow(`SELECT id, email, password_hash, auto_trade, subscription_active, created_at, updated_at
		FROM users WHERE email=?`, email)
	return scanUser(row)
}

// GetUserByID returns one account by id.
func (q *UserQueries) GetUserByID(id string) (*User, error) {
	row := q.db.QueryRow(`SELECT id, email, password_hash, auto_trade, subscription_active, created_at, updated_at
		FROM users WHERE id=?`, id)
	return scanUser(row)
}

// SetAutoTrade flips the user's auto-trade flag.
func (q *UserQueries) SetAutoTrade(userID string, enabled bool) error {
	res, err := q.db.Exec(`UPDATE users SET auto_trade=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		enabled, userID)
	if err != nil {
		return fmt.Errorf("set auto trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EligibleUserIDs lists users that should receive broadcast executions:
// auto-trade on, subscription active, and at least one active connection.
func (q *UserQueries) EligibleUserIDs() ([]string, error) {
	rows, err := q.db.Query(`SELECT u.id FROM users u
		WHERE u.auto_trade=1 AND u.subscription_active=1
		AND EXISTS (SELECT 1 FROM connections c WHERE c.user_id=u.id AND c.is_active=1)
		ORDER BY u.created_at`)
	if err != nil {
		return nil, fmt.Errorf("eligible users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertConnection stores or replaces the user's credentials for an exchange.
func (q *UserQueries) UpsertConnection(c *Connection) error {
	_, err := q.db.Exec(`INSERT INTO connections
		(id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, is_active)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			api_key_encrypted=excluded.api_key_encrypted,
			api_secret_encrypted=excluded.api_secret_encrypted,
			key_version=excluded.key_version,
			is_active=excluded.is_active,
			updated_at=CURRENT_TIMESTAMP`,
		c.ID, c.UserID, c.ExchangeType, c.Name,
		c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion, c.IsActive)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// DeactivateConnection soft-deletes one of the user's connections. Returns
// ErrConnectionNotFound when the id does not belong to the user.
func (q *UserQueries) DeactivateConnection(userID, id string) error {
	res, err := q.db.Exec(`UPDATE connections SET is_active=0, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// ActiveConnection returns the user's active connection for the exchange.
func (q *UserQueries) ActiveConnection(userID, exchangeType string) (*Connection, error) {
	row := q.db.QueryRow(`SELECT id, user_id, exchange_type, name,
		api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at
		FROM connections
		WHERE user_id=? AND exchange_type=? AND is_active=1
		ORDER BY updated_at DESC LIMIT 1`, userID, exchangeType)

	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name,
		&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	return &c, nil
}

// ConnectionsByUser lists all of the user's connections.
func (q *UserQueries) ConnectionsByUser(userID string) ([]*Connection, error) {
	rows, err := q.db.Query(`SELECT id, user_id, exchange_type, name,
		api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at
		FROM connections WHERE user_id=? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name,
			&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.IsActive,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetUserConfig returns the user's override row, or nil when the user has
// no overrides and inherits every global.
func (q *UserQueries) GetUserConfig(userID string) (*UserConfig, error) {
	row := q.db.QueryRow(`SELECT user_id, risk_percent, max_position_usdt,
		max_daily_loss_usdt, max_dca_per_symbol, dca_risk_multiplier, leverage,
		allowed_symbols, updated_at
		FROM user_configs WHERE user_id=?`, userID)

	var c UserConfig
	err := row.Scan(&c.UserID, &c.RiskPercent, &c.MaxPositionUSDT,
		&c.MaxDailyLossUSDT, &c.MaxDCAPerSymbol, &c.DCARiskMultiplier, &c.Leverage,
		&c.AllowedSymbols, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}
	return &c, nil
}

// UpsertUserConfig stores the user's override row. Nil fields clear the
// override back to "inherit global".
func (q *UserQueries) UpsertUserConfig(c *UserConfig) error {
	_, err := q.db.Exec(`INSERT INTO user_configs
		(user_id, risk_percent, max_position_usdt, max_daily_loss_usdt,
		 max_dca_per_symbol, dca_risk_multiplier, leverage, allowed_symbols)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			risk_percent=excluded.risk_percent,
			max_position_usdt=excluded.max_position_usdt,
			max_daily_loss_usdt=excluded.max_daily_loss_usdt,
			max_dca_per_symbol=excluded.max_dca_per_symbol,
			dca_risk_multiplier=excluded.dca_risk_multiplier,
			leverage=excluded.leverage,
			allowed_symbols=excluded.allowed_symbols,
			updated_at=CURRENT_TIMESTAMP`,
		c.UserID, c.RiskPercent, c.MaxPositionUSDT, c.MaxDailyLossUSDT,
		c.MaxDCAPerSymbol, c.DCARiskMultiplier, c.Leverage, c.AllowedSymbols)
	if err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.AutoTrade,
		&u.SubscriptionActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
