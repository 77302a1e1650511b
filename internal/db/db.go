package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/spvswap/internal/models"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrNoSnapshot   = errors.New("no snapshot stored")
)

// snapshotsKept bounds the snapshot table; older rows are pruned on save.
const snapshotsKept = 5

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks the pool can reach the server.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// CreateUser inserts a new user trading as address
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, address common.Address) (*models.User, error) {
	user := &models.User{}
	var addr string
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, address) VALUES ($1, $2, $3) RETURNING id, username, password_hash, address, created_at",
		username, passwordHash, address.Hex()).Scan(&user.ID, &user.Username, &user.PasswordHash, &addr, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.Address = common.HexToAddress(addr)
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, address, created_at FROM users WHERE username = $1", username)
}

// GetUserByAddress retrieves the user trading as address
func (db *DB) GetUserByAddress(ctx context.Context, address common.Address) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, address, created_at FROM users WHERE address = $1", address.Hex())
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	var addr string
	err := db.Pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &addr, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Address = common.HexToAddress(addr)
	return user, nil
}

// StartEpoch opens a new event epoch for a market restored at restoredSeq
// and returns its id.
func (db *DB) StartEpoch(ctx context.Context, restoredSeq uint64) (uint64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO epochs (restored_seq) VALUES ($1) RETURNING id",
		int64(restoredSeq)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start epoch: %w", err)
	}
	return uint64(id), nil
}

// InsertEvents writes a batch of market events in one transaction. Events
// already stored under the same epoch and sequence number are left as they
// are, so a retried batch is harmless.
func (db *DB) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, evt := range events {
		attrs, err := json.Marshal(evt.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of event %d: %w", evt.Seq, err)
		}
		batch.Queue(`
			INSERT INTO market_events (epoch, seq, type, order_id, accept_id, accounts, attributes, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5::bigint, 0), $6, $7, $8)
			ON CONFLICT (epoch, seq) DO NOTHING`,
			int64(evt.Epoch), int64(evt.Seq), string(evt.Type), int64(evt.OrderID), int64(evt.AcceptID), accountsOf(evt), attrs, evt.Time)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EventsByAccount returns the newest events naming address as a party.
func (db *DB) EventsByAccount(ctx context.Context, address common.Address, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT epoch, seq, type, order_id, accept_id, attributes, created_at
		FROM market_events
		WHERE $1 = ANY(accounts)
		ORDER BY epoch DESC, seq DESC
		LIMIT $2
	`, strings.ToLower(address.Hex()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get account events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			evt      models.Event
			epoch    int64
			seq      int64
			typ      string
			orderID  int64
			acceptID *int64
			attrs    []byte
		)
		if err := rows.Scan(&epoch, &seq, &typ, &orderID, &acceptID, &attrs, &evt.Time); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Epoch, evt.Seq, evt.Type, evt.OrderID = uint64(epoch), uint64(seq), models.EventType(typ), uint64(orderID)
		if acceptID != nil {
			evt.AcceptID = uint64(*acceptID)
		}
		if err := json.Unmarshal(attrs, &evt.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of event %d: %w", seq, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// accountsOf lists the parties an event names, lower-cased for lookup.
func accountsOf(evt models.Event) []string {
	accounts := make([]string, 0, 2)
	for _, key := range []string{"requester", "accepter"} {
		if v, ok := evt.Attributes[key]; ok && v != "" {
			accounts = append(accounts, strings.ToLower(v))
		}
	}
	return accounts
}

// SaveSnapshot stores the market and token ledger state together and prunes
// older snapshots.
func (db *DB) SaveSnapshot(ctx context.Context, market *models.MarketSnapshot, ledger *models.LedgerSnapshot) error {
	marketJSON, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("failed to encode market snapshot: %w", err)
	}
	ledgerJSON, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("failed to encode ledger snapshot: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO snapshots (last_seq, market, ledger) VALUES ($1, $2, $3)",
		int64(market.LastSeq), marketJSON, ledgerJSON); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)",
		snapshotsKept); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recently saved state, or ErrNoSnapshot.
func (db *DB) LoadLatestSnapshot(ctx context.Context) (*models.MarketSnapshot, *models.LedgerSnapshot, error) {
	var marketJSON, ledgerJSON []byte
	err := db.Pool.QueryRow(ctx,
		"SELECT market, ledger FROM snapshots ORDER BY id DESC LIMIT 1").Scan(&marketJSON, &ledgerJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNoSnapshot
		}
		return nil, nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	market := &models.MarketSnapshot{}
	if err := json.Unmarshal(marketJSON, market); err != nil {
		return nil, nil, fmt.Errorf("failed to decode market snapshot: %w", err)
	}
	ledger := &models.LedgerSnapshot{}
	if err := json.Unmarshal(ledgerJSON, ledger); err != nil {
		return nil, nil, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}
	return market, ledger, nil
}
