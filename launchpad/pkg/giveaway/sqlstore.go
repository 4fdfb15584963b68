package giveaway

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nenkoz/FairLaunch.io/api/metrics"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose configuration is package-global; serialize store opens so
// concurrent tests do not race on it.
var migrateMu sync.Mutex

// SQLStore is the SQLite-backed Store. Amounts are persisted as decimal
// strings so they survive the round trip without precision loss.
type SQLStore struct {
	log *slog.Logger
	db  *sql.DB
}

// NewSQLStore opens (or creates) the database at path and runs pending
// migrations. Use ":memory:" for an ephemeral store.
func NewSQLStore(log *slog.Logger, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one
	// connection pool with the default busy handling.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug("giveaway: sqlite store ready", "path", path)
	return &SQLStore{log: log, db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// observe records one query against the store metrics. Lookup misses
// count as successful queries.
func observe(start time.Time, err error) {
	if errors.Is(err, ErrUnknownOffering) || errors.Is(err, ErrUnknownParticipant) {
		err = nil
	}
	metrics.RecordStoreQuery(time.Since(start), err)
}

func (s *SQLStore) CreateOffering(ctx context.Context, o *Offering) (err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offerings (
			id, owner, token, start_time, end_time,
			max_allocation, total_tokens_for_sale, dev_bps, liquidity_bps,
			total_deposited, participant_count, finalized, cancelled,
			final_allocation, merkle_enabled, merkle_root,
			dev_tokens_allocated, dev_tokens_claimed,
			liquidity_tokens_allocated, liquidity_tokens_claimed,
			liquidity_deployed, liquidity_position_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		offeringArgs(o)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOfferingExists
		}
		return fmt.Errorf("insert offering: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOffering(ctx context.Context, id string) (o *Offering, err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, token, start_time, end_time,
			max_allocation, total_tokens_for_sale, dev_bps, liquidity_bps,
			total_deposited, participant_count, finalized, cancelled,
			final_allocation, merkle_enabled, merkle_root,
			dev_tokens_allocated, dev_tokens_claimed,
			liquidity_tokens_allocated, liquidity_tokens_claimed,
			liquidity_deployed, liquidity_position_id
		FROM offerings WHERE id = ?`, id)
	return scanOffering(row)
}

func (s *SQLStore) UpdateOffering(ctx context.Context, o *Offering) (err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	args := offeringArgs(o)
	// id moves from first insert column to the WHERE clause.
	args = append(args[1:], o.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE offerings SET
			owner = ?, token = ?, start_time = ?, end_time = ?,
			max_allocation = ?, total_tokens_for_sale = ?, dev_bps = ?, liquidity_bps = ?,
			total_deposited = ?, participant_count = ?, finalized = ?, cancelled = ?,
			final_allocation = ?, merkle_enabled = ?, merkle_root = ?,
			dev_tokens_allocated = ?, dev_tokens_claimed = ?,
			liquidity_tokens_allocated = ?, liquidity_tokens_claimed = ?,
			liquidity_deployed = ?, liquidity_position_id = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update offering: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownOffering
	}
	return nil
}

func (s *SQLStore) PutParticipant(ctx context.Context, offeringID string, p *Participant) (err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	if err := s.offeringExists(ctx, offeringID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO participants (offering_id, address, amount, identity_tag, verified, deposited_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (offering_id, address) DO UPDATE SET
			amount = excluded.amount,
			identity_tag = excluded.identity_tag,
			verified = excluded.verified,
			deposited_at = excluded.deposited_at`,
		offeringID, p.Address.Hex(), p.Amount.Dec(), p.IdentityTag, boolInt(p.Verified), p.DepositedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *SQLStore) GetParticipant(ctx context.Context, offeringID string, addr common.Address) (p *Participant, err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	if err := s.offeringExists(ctx, offeringID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT address, amount, identity_tag, verified, deposited_at
		FROM participants WHERE offering_id = ? AND address = ?`,
		offeringID, addr.Hex())
	p, err = scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownParticipant
	}
	return p, err
}

// ListParticipants returns records in insertion order: rowid order is
// the deposit order the claim indices are assigned in.
func (s *SQLStore) ListParticipants(ctx context.Context, offeringID string) (out []*Participant, err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	if err := s.offeringExists(ctx, offeringID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, amount, identity_tag, verified, deposited_at
		FROM participants WHERE offering_id = ? ORDER BY rowid`,
		offeringID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) IsClaimed(ctx context.Context, offeringID string, index uint64) (claimed bool, err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	if err := s.offeringExists(ctx, offeringID); err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM claims WHERE offering_id = ? AND claim_index = ?`,
		offeringID, index).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query claim: %w", err)
	}
	return true, nil
}

func (s *SQLStore) MarkClaimed(ctx context.Context, offeringID string, index uint64) (err error) {
	defer func(start time.Time) { observe(start, err) }(time.Now())
	if err := s.offeringExists(ctx, offeringID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claims (offering_id, claim_index) VALUES (?, ?)
		 ON CONFLICT (offering_id, claim_index) DO NOTHING`,
		offeringID, index)
	if err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	return nil
}

func (s *SQLStore) offeringExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM offerings WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownOffering
	}
	return err
}

func offeringArgs(o *Offering) []any {
	return []any{
		o.ID, o.Owner.Hex(), o.Token.Hex(), o.StartTime.Unix(), o.EndTime.Unix(),
		o.MaxAllocation.Dec(), o.TotalTokensForSale.Dec(), o.DevBps, o.LiquidityBps,
		o.TotalDeposited.Dec(), o.ParticipantCount, boolInt(o.Finalized), boolInt(o.Cancelled),
		nullableDec(o.FinalAllocation), boolInt(o.MerkleEnabled), o.MerkleRoot.Hex(),
		boolInt(o.DevTokensAllocated), boolInt(o.DevTokensClaimed),
		boolInt(o.LiquidityTokensAllocated), boolInt(o.LiquidityTokensClaimed),
		boolInt(o.LiquidityDeployed), o.LiquidityPositionID,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffering(row rowScanner) (*Offering, error) {
	var o Offering
	var owner, tok, maxAlloc, totalSale, total, root string
	var startSec, endSec int64
	var finalAlloc sql.NullString
	var finalized, cancelled, merkleEnabled int
	var devAlloc, devClaimed, liqAlloc, liqClaimed, liqDeployed int
	err := row.Scan(
		&o.ID, &owner, &tok, &startSec, &endSec,
		&maxAlloc, &totalSale, &o.DevBps, &o.LiquidityBps,
		&total, &o.ParticipantCount, &finalized, &cancelled,
		&finalAlloc, &merkleEnabled, &root,
		&devAlloc, &devClaimed, &liqAlloc, &liqClaimed,
		&liqDeployed, &o.LiquidityPositionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownOffering
	}
	if err != nil {
		return nil, fmt.Errorf("scan offering: %w", err)
	}

	o.Owner = common.HexToAddress(owner)
	o.Token = common.HexToAddress(tok)
	o.StartTime = time.Unix(startSec, 0).UTC()
	o.EndTime = time.Unix(endSec, 0).UTC()
	o.Finalized = finalized != 0
	o.Cancelled = cancelled != 0
	o.MerkleEnabled = merkleEnabled != 0
	o.MerkleRoot = common.HexToHash(root)
	o.DevTokensAllocated = devAlloc != 0
	o.DevTokensClaimed = devClaimed != 0
	o.LiquidityTokensAllocated = liqAlloc != 0
	o.LiquidityTokensClaimed = liqClaimed != 0
	o.LiquidityDeployed = liqDeployed != 0

	if o.MaxAllocation, err = uint256.FromDecimal(maxAlloc); err != nil {
		return nil, fmt.Errorf("parse max_allocation: %w", err)
	}
	if o.TotalTokensForSale, err = uint256.FromDecimal(totalSale); err != nil {
		return nil, fmt.Errorf("parse total_tokens_for_sale: %w", err)
	}
	if o.TotalDeposited, err = uint256.FromDecimal(total); err != nil {
		return nil, fmt.Errorf("parse total_deposited: %w", err)
	}
	if finalAlloc.Valid {
		if o.FinalAllocation, err = uint256.FromDecimal(finalAlloc.String); err != nil {
			return nil, fmt.Errorf("parse final_allocation: %w", err)
		}
	}
	return &o, nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var p Participant
	var addr, amount string
	var verified int
	var depositedSec int64
	if err := row.Scan(&addr, &amount, &p.IdentityTag, &verified, &depositedSec); err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(addr)
	p.Verified = verified != 0
	p.DepositedAt = time.Unix(depositedSec, 0).UTC()
	var err error
	if p.Amount, err = uint256.FromDecimal(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableDec(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite surfaces SQLITE_CONSTRAINT in the error text;
	// there is no typed error to unwrap across driver versions.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
