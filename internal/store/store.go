// Package store is the Postgres persistence layer: bot registry, API
// keys, trade history and notification rows.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Bot is one row of the bots table. ProxyURL, when set, overrides the
// shared proxy pool for this bot.
type Bot struct {
	ID              int64
	UserID          int64
	APIKeyID        int64
	Name            string
	StrategyType    string
	Symbol          string
	BaseAsset       string
	QuoteAsset      string
	IsTestnet       bool
	Status          string
	Parameters      json.RawMessage
	TotalInvestment decimal.Decimal
	TotalPnl        decimal.Decimal
	ProxyURL        string
}

// APIKey is one row of the api_keys table. Key material is stored
// encrypted under a per-row DEK wrapped by the master key.
type APIKey struct {
	ID              int64
	UserID          int64
	EncryptedDEK    []byte
	EncryptedKey    []byte
	EncryptedSecret []byte
	IsTestnet       bool
}

// Trade is one executed order to persist.
type Trade struct {
	BotID       int64
	OrderID     int64
	Symbol      string
	Side        string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      string
	Fee         decimal.Decimal
	FeeAsset    string
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// ListRunningBots returns every bot marked running, for crash recovery
// at engine start.
func (s *Store) ListRunningBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, api_key_id, name, strategy_type, symbol,
		       base_asset, quote_asset, is_testnet, status, parameters,
		       total_investment, total_pnl, COALESCE(proxy_url, '')
		FROM bots
		WHERE status = 'running'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list running bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(&b.ID, &b.UserID, &b.APIKeyID, &b.Name,
			&b.StrategyType, &b.Symbol, &b.BaseAsset, &b.QuoteAsset,
			&b.IsTestnet, &b.Status, &b.Parameters,
			&b.TotalInvestment, &b.TotalPnl, &b.ProxyURL); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *Store) GetBot(ctx context.Context, botID int64) (*Bot, error) {
	var b Bot
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, api_key_id, name, strategy_type, symbol,
		       base_asset, quote_asset, is_testnet, status, parameters,
		       total_investment, total_pnl, COALESCE(proxy_url, '')
		FROM bots
		WHERE id = $1`, botID).
		Scan(&b.ID, &b.UserID, &b.APIKeyID, &b.Name, &b.StrategyType,
			&b.Symbol, &b.BaseAsset, &b.QuoteAsset, &b.IsTestnet,
			&b.Status, &b.Parameters, &b.TotalInvestment, &b.TotalPnl,
			&b.ProxyURL)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("bot %d not found", botID)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", botID, err)
	}
	return &b, nil
}

func (s *Store) GetAPIKey(ctx context.Context, keyID int64) (*APIKey, error) {
	var k APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, encrypted_dek, encrypted_key, encrypted_secret, is_testnet
		FROM api_keys
		WHERE id = $1`, keyID).
		Scan(&k.ID, &k.UserID, &k.EncryptedDEK, &k.EncryptedKey, &k.EncryptedSecret, &k.IsTestnet)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("api key %d not found", keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("get api key %d: %w", keyID, err)
	}
	return &k, nil
}

func (s *Store) UpdateBotStatus(ctx context.Context, botID int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bots SET status = $2, updated_at = $3 WHERE id = $1`,
		botID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update bot %d status: %w", botID, err)
	}
	return nil
}

const insertTradeSQL = `
	INSERT INTO trades (bot_id, order_id, symbol, side, price, quantity,
	                    executed_qty, status, fee, fee_asset, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (bot_id, order_id) DO NOTHING`

// RecordTrade inserts one trade row. Replayed execution reports are
// absorbed by the conflict clause.
func (s *Store) RecordTrade(ctx context.Context, t Trade) error {
	_, err := s.pool.Exec(ctx, insertTradeSQL,
		t.BotID, t.OrderID, t.Symbol, t.Side, t.Price, t.Quantity,
		t.ExecutedQty, t.Status, t.Fee, t.FeeAsset, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// RecordTradeWithPnl commits the trade row and the bot's cumulative
// pnl in a single transaction, so a crash between the two cannot skew
// the ledger.
func (s *Store) RecordTradeWithPnl(ctx context.Context, t Trade, totalPnl decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertTradeSQL,
		t.BotID, t.OrderID, t.Symbol, t.Side, t.Price, t.Quantity,
		t.ExecutedQty, t.Status, t.Fee, t.FeeAsset, time.Now().UTC()); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bots SET total_pnl = $2, updated_at = $3 WHERE id = $1`,
		t.BotID, totalPnl, time.Now().UTC()); err != nil {
		return fmt.Errorf("update total pnl: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade tx: %w", err)
	}
	return nil
}

// InsertNotification stores one user-visible notification row.
func (s *Store) InsertNotification(ctx context.Context, userID int64, level, title, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (user_id, level, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, level, title, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
