package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/advisorly/marketgate/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists the engine's durable state to a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database and runs migrations.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer connection; SQLite serializes writes anyway and this
	// avoids SQLITE_BUSY surfacing to racing closers.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance (dashboard reads while
	// the scheduler writes).
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			advisor_id TEXT NOT NULL,
			horizon    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			id           TEXT PRIMARY KEY,
			strategy_id  TEXT NOT NULL REFERENCES strategies(id),
			kind         TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			instrument   TEXT NOT NULL,
			direction    TEXT NOT NULL,
			entry_price  REAL NOT NULL,
			entry_low    REAL NOT NULL DEFAULT 0,
			entry_high   REAL NOT NULL DEFAULT 0,
			target       REAL NOT NULL DEFAULT 0,
			stop_loss    REAL NOT NULL DEFAULT 0,
			rationale    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			publish_mode TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			published_at INTEGER,
			exit_price   REAL,
			exit_at      INTEGER,
			gain_percent REAL NOT NULL DEFAULT 0,
			exit_source  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reco_strategy_status
			ON recommendations(strategy_id, status)`,
		`CREATE TABLE IF NOT EXISTS basket_rebalances (
			id           TEXT PRIMARY KEY,
			strategy_id  TEXT NOT NULL REFERENCES strategies(id),
			version      INTEGER NOT NULL,
			effective_at INTEGER NOT NULL,
			notes        TEXT NOT NULL DEFAULT '',
			UNIQUE(strategy_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS basket_constituents (
			rebalance_id       TEXT NOT NULL REFERENCES basket_rebalances(id),
			symbol             TEXT NOT NULL,
			exchange           TEXT NOT NULL,
			weight_percent     REAL NOT NULL,
			quantity           REAL NOT NULL DEFAULT 0,
			price_at_rebalance REAL NOT NULL DEFAULT 0,
			action             TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_constituent_rebalance
			ON basket_constituents(rebalance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateStrategy inserts a strategy row.
func (s *SQLiteStorage) CreateStrategy(ctx context.Context, st *models.Strategy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategies (id, name, advisor_id, horizon) VALUES (?, ?, ?, ?)`,
		st.ID, st.Name, st.AdvisorID, string(st.Horizon))
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

// GetStrategy fetches a strategy by id.
func (s *SQLiteStorage) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	var st models.Strategy
	var horizon string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, advisor_id, horizon FROM strategies WHERE id = ?`, id).
		Scan(&st.ID, &st.Name, &st.AdvisorID, &horizon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select strategy: %w", err)
	}
	st.Horizon = models.Horizon(horizon)
	return &st, nil
}

// ListStrategiesByHorizon lists strategies with the given holding horizon.
func (s *SQLiteStorage) ListStrategiesByHorizon(ctx context.Context, horizon models.Horizon) ([]models.Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, advisor_id, horizon FROM strategies WHERE horizon = ? ORDER BY id`,
		string(horizon))
	if err != nil {
		return nil, fmt.Errorf("select strategies: %w", err)
	}
	defer rows.Close()

	var out []models.Strategy
	for rows.Next() {
		var st models.Strategy
		var h string
		if err := rows.Scan(&st.ID, &st.Name, &st.AdvisorID, &h); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		st.Horizon = models.Horizon(h)
		out = append(out, st)
	}
	return out, rows.Err()
}

// CreateRecommendation inserts a recommendation row.
func (s *SQLiteStorage) CreateRecommendation(ctx context.Context, r *models.Recommendation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations
			(id, strategy_id, kind, symbol, instrument, direction,
			 entry_price, entry_low, entry_high, target, stop_loss, rationale,
			 status, publish_mode, created_at, published_at,
			 exit_price, exit_at, gain_percent, exit_source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StrategyID, string(r.Kind), r.Symbol, r.Instrument, string(r.Direction),
		r.EntryPrice, r.EntryLow, r.EntryHigh, r.Target, r.StopLoss, r.Rationale,
		string(r.Status), string(r.PublishMode), r.CreatedAt.UnixMilli(),
		nullableTime(r.PublishedAt), nullableFloat(r.ExitPrice),
		nullableTime(r.ExitAt), r.GainPercent, nullableString(string(r.ExitSource)))
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// GetRecommendation fetches a recommendation by id.
func (s *SQLiteStorage) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	row := s.db.QueryRowContext(ctx, selectRecommendation+` WHERE id = ?`, id)
	r, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select recommendation: %w", err)
	}
	return r, nil
}

// UpdateRecommendation rewrites the mutable (pre-close) fields of a row.
func (s *SQLiteStorage) UpdateRecommendation(ctx context.Context, r *models.Recommendation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recommendations SET
			target = ?, stop_loss = ?, rationale = ?,
			status = ?, publish_mode = ?, published_at = ?
		 WHERE id = ?`,
		r.Target, r.StopLoss, r.Rationale,
		string(r.Status), string(r.PublishMode), nullableTime(r.PublishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update recommendation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recommendation rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("recommendation %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// CloseRecommendation writes the exit triple iff the row is still active.
// The status predicate in the WHERE clause is what makes racing closers
// at-most-once effective.
func (s *SQLiteStorage) CloseRecommendation(ctx context.Context, id string,
	exitPrice float64, exitAt time.Time, gainPercent float64, source models.PriceSource) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recommendations SET
			status = ?, exit_price = ?, exit_at = ?, gain_percent = ?, exit_source = ?
		 WHERE id = ? AND status = ?`,
		string(models.StatusClosed), exitPrice, exitAt.UnixMilli(), gainPercent,
		string(source), id, string(models.StatusActive))
	if err != nil {
		return false, fmt.Errorf("close recommendation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close recommendation rows: %w", err)
	}
	return n == 1, nil
}

// CorrectExitPrice rewrites exit price and gain on a closed row. The stored
// exit timestamp wins; fallbackExitAt is only used when none exists.
func (s *SQLiteStorage) CorrectExitPrice(ctx context.Context, id string,
	exitPrice float64, gainPercent float64, fallbackExitAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recommendations SET
			exit_price = ?, gain_percent = ?, exit_source = ?,
			exit_at = COALESCE(exit_at, ?)
		 WHERE id = ? AND status = ?`,
		exitPrice, gainPercent, string(models.SourceManual),
		fallbackExitAt.UnixMilli(), id, string(models.StatusClosed))
	if err != nil {
		return fmt.Errorf("correct exit price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("correct exit price rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("closed recommendation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveRecommendations lists still-active rows for a strategy.
func (s *SQLiteStorage) ListActiveRecommendations(ctx context.Context, strategyID string) ([]models.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecommendation+` WHERE strategy_id = ? AND status = ? ORDER BY created_at`,
		strategyID, string(models.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("select active recommendations: %w", err)
	}
	defer rows.Close()

	var out []models.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MaxRebalanceVersion returns the highest version for a strategy, 0 if none.
func (s *SQLiteStorage) MaxRebalanceVersion(ctx context.Context, strategyID string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM basket_rebalances WHERE strategy_id = ?`, strategyID).
		Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("select max version: %w", err)
	}
	return int(version.Int64), nil
}

// CreateRebalance inserts the rebalance and its constituents in one
// transaction. Entire submission is atomic: nothing persists on failure.
func (s *SQLiteStorage) CreateRebalance(ctx context.Context, reb *models.BasketRebalance,
	constituents []models.BasketConstituent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebalance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO basket_rebalances (id, strategy_id, version, effective_at, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		reb.ID, reb.StrategyID, reb.Version, reb.EffectiveAt.UnixMilli(), reb.Notes)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("strategy %s version %d: %w", reb.StrategyID, reb.Version, ErrVersionConflict)
		}
		return fmt.Errorf("insert rebalance: %w", err)
	}

	for _, c := range constituents {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO basket_constituents
				(rebalance_id, symbol, exchange, weight_percent, quantity, price_at_rebalance, action)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			reb.ID, c.Symbol, c.Exchange, c.WeightPercent, c.Quantity, c.PriceAtRebalance, string(c.Action))
		if err != nil {
			return fmt.Errorf("insert constituent %s: %w", c.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebalance: %w", err)
	}
	return nil
}

// GetRebalanceByVersion fetches one rebalance snapshot.
func (s *SQLiteStorage) GetRebalanceByVersion(ctx context.Context, strategyID string, version int) (*models.BasketRebalance, error) {
	var reb models.BasketRebalance
	var effectiveAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, strategy_id, version, effective_at, notes
		 FROM basket_rebalances WHERE strategy_id = ? AND version = ?`,
		strategyID, version).
		Scan(&reb.ID, &reb.StrategyID, &reb.Version, &effectiveAt, &reb.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rebalance %s v%d: %w", strategyID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select rebalance: %w", err)
	}
	reb.EffectiveAt = time.UnixMilli(effectiveAt).UTC()
	return &reb, nil
}

// ListConstituents lists the legs of one rebalance.
func (s *SQLiteStorage) ListConstituents(ctx context.Context, rebalanceID string) ([]models.BasketConstituent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rebalance_id, symbol, exchange, weight_percent, quantity, price_at_rebalance, action
		 FROM basket_constituents WHERE rebalance_id = ? ORDER BY symbol`, rebalanceID)
	if err != nil {
		return nil, fmt.Errorf("select constituents: %w", err)
	}
	defer rows.Close()

	var out []models.BasketConstituent
	for rows.Next() {
		var c models.BasketConstituent
		var action string
		if err := rows.Scan(&c.RebalanceID, &c.Symbol, &c.Exchange, &c.WeightPercent,
			&c.Quantity, &c.PriceAtRebalance, &action); err != nil {
			return nil, fmt.Errorf("scan constituent: %w", err)
		}
		c.Action = models.ConstituentAction(action)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListRebalances lists a strategy's versions, newest first.
func (s *SQLiteStorage) ListRebalances(ctx context.Context, strategyID string) ([]models.BasketRebalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy_id, version, effective_at, notes
		 FROM basket_rebalances WHERE strategy_id = ? ORDER BY version DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("select rebalances: %w", err)
	}
	defer rows.Close()

	var out []models.BasketRebalance
	for rows.Next() {
		var reb models.BasketRebalance
		var effectiveAt int64
		if err := rows.Scan(&reb.ID, &reb.StrategyID, &reb.Version, &effectiveAt, &reb.Notes); err != nil {
			return nil, fmt.Errorf("scan rebalance: %w", err)
		}
		reb.EffectiveAt = time.UnixMilli(effectiveAt).UTC()
		out = append(out, reb)
	}
	return out, rows.Err()
}

const selectRecommendation = `SELECT
	id, strategy_id, kind, symbol, instrument, direction,
	entry_price, entry_low, entry_high, target, stop_loss, rationale,
	status, publish_mode, created_at, published_at,
	exit_price, exit_at, gain_percent, exit_source
 FROM recommendations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row rowScanner) (*models.Recommendation, error) {
	var (
		r                   models.Recommendation
		kind, direction     string
		status, publishMode string
		createdAt           int64
		publishedAt, exitAt sql.NullInt64
		exitPrice           sql.NullFloat64
		exitSource          sql.NullString
	)
	err := row.Scan(&r.ID, &r.StrategyID, &kind, &r.Symbol, &r.Instrument, &direction,
		&r.EntryPrice, &r.EntryLow, &r.EntryHigh, &r.Target, &r.StopLoss, &r.Rationale,
		&status, &publishMode, &createdAt, &publishedAt,
		&exitPrice, &exitAt, &r.GainPercent, &exitSource)
	if err != nil {
		return nil, err
	}
	r.Kind = models.RecommendationKind(kind)
	r.Direction = models.Direction(direction)
	r.Status = models.Status(status)
	r.PublishMode = models.PublishMode(publishMode)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if publishedAt.Valid {
		r.PublishedAt = time.UnixMilli(publishedAt.Int64).UTC()
	}
	if exitPrice.Valid {
		r.ExitPrice = exitPrice.Float64
	}
	if exitAt.Valid {
		r.ExitAt = time.UnixMilli(exitAt.Int64).UTC()
	}
	if exitSource.Valid {
		r.ExitSource = models.PriceSource(exitSource.String)
	}
	return &r, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullableFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
