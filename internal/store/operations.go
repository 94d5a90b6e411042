package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"polywatch/pkg/types"
)

// Retained orderbook snapshots per market. Older rows are trimmed on
// append.
const snapshotCapPerMarket = 1000

// marketMeta is the JSON blob stored alongside the relational market
// columns.
type marketMeta struct {
	Slug            string   `json:"slug,omitempty"`
	AssetIDs        []string `json:"assetIds,omitempty"`
	MatchedKeywords []string `json:"matchedKeywords,omitempty"`
	Liquidity       float64  `json:"liquidity,omitempty"`
	BestBid         float64  `json:"bestBid,omitempty"`
	BestAsk         float64  `json:"bestAsk,omitempty"`
}

// UpsertMarket writes the market's current classification and scores,
// keyed on the condition ID.
func (s *Store) UpsertMarket(ctx context.Context, m *types.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	prices, err := json.Marshal(m.OutcomePrices)
	if err != nil {
		return fmt.Errorf("marshal outcome prices: %w", err)
	}
	meta, err := json.Marshal(marketMeta{
		Slug:            m.Slug,
		AssetIDs:        m.AssetIDs,
		MatchedKeywords: m.MatchedKeywords,
		Liquidity:       m.Liquidity,
		BestBid:         m.BestBid,
		BestAsk:         m.BestAsk,
	})
	if err != nil {
		return fmt.Errorf("marshal market metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (
			id, question, outcomes, outcome_prices, volume, active, closed, end_date,
			category, category_score, is_blacklisted,
			tier, tier_reason, tier_priority, tier_updated_at,
			opportunity_score, volume_score, edge_score, catalyst_score, quality_score, score_updated_at,
			metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			outcomes = excluded.outcomes,
			outcome_prices = excluded.outcome_prices,
			volume = excluded.volume,
			active = excluded.active,
			closed = excluded.closed,
			end_date = excluded.end_date,
			category = excluded.category,
			category_score = excluded.category_score,
			is_blacklisted = excluded.is_blacklisted,
			tier = excluded.tier,
			tier_reason = excluded.tier_reason,
			tier_priority = excluded.tier_priority,
			tier_updated_at = excluded.tier_updated_at,
			opportunity_score = excluded.opportunity_score,
			volume_score = excluded.volume_score,
			edge_score = excluded.edge_score,
			catalyst_score = excluded.catalyst_score,
			quality_score = excluded.quality_score,
			score_updated_at = excluded.score_updated_at,
			metadata = excluded.metadata`,
		m.ID, m.Question, string(outcomes), string(prices), m.VolumeNum,
		boolInt(m.Active), boolInt(m.Closed), nullTime(m.EndDate),
		string(m.Category), m.CategoryScore, boolInt(m.Blacklisted),
		string(m.Tier), m.TierReason, tierPriority(m.Tier), nullTime(m.ScoredAt),
		m.OpportunityScore, m.VolumeScore, m.EdgeScore, m.CatalystScore, m.QualityScore, nullTime(m.ScoredAt),
		string(meta),
	)
	return err
}

// AppendPrice records one outcome price observation.
func (s *Store) AppendPrice(ctx context.Context, marketID string, ts time.Time, outcomeIndex int, price, volume float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_prices (market_id, timestamp, outcome_index, price, volume) VALUES (?, ?, ?, ?, ?)`,
		marketID, ts, outcomeIndex, price, volume)
	return err
}

// AppendOrderbookSnapshot stores a sampled book snapshot and trims the
// market's history past the cap.
func (s *Store) AppendOrderbookSnapshot(ctx context.Context, snap *types.OrderbookSnapshot) error {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("marshal asks: %w", err)
	}

	// One-sided or empty books read as 0 rather than NULL.
	var bestBid, bestAsk, spread, mid float64
	if lvl, ok := snap.BestBid(); ok {
		bestBid = lvl.Price
	}
	if lvl, ok := snap.BestAsk(); ok {
		bestAsk = lvl.Price
	}
	if v, ok := snap.Spread(); ok {
		spread = v
	}
	if v, ok := snap.MidPrice(); ok {
		mid = v
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots (market_id, timestamp, bids, asks, spread, mid_price, best_bid, best_ask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.MarketID, snap.Timestamp, string(bids), string(asks),
		spread, mid, bestBid, bestAsk); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM orderbook_snapshots
		WHERE market_id = ? AND rowid NOT IN (
			SELECT rowid FROM orderbook_snapshots WHERE market_id = ?
			ORDER BY timestamp DESC LIMIT ?
		)`, snap.MarketID, snap.MarketID, snapshotCapPerMarket)
	return err
}

// AppendTradeTick stores one (sampled) trade print.
func (s *Store) AppendTradeTick(ctx context.Context, tick *types.TradeTick) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_ticks (market_id, timestamp, price, size, side) VALUES (?, ?, ?, ?, ?)`,
		tick.MarketID, tick.Timestamp, tick.Price, tick.Size, string(tick.Side))
	return err
}

// InsertSignal persists an emitted signal. Duplicate IDs are ignored so
// replays stay at-most-once.
func (s *Store) InsertSignal(ctx context.Context, sig *types.EarlySignal) error {
	var meta []byte
	if sig.Metadata != nil {
		var err error
		meta, err = types.EncodeMetadata(sig.Metadata)
		if err != nil {
			return fmt.Errorf("encode signal metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (id, market_id, signal_type, confidence, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.MarketID, string(sig.Type), sig.Confidence, sig.Timestamp, string(meta))
	return err
}

// UpdateSignalPerformance upserts the forward-sampling record and, once a
// verdict exists, reflects it back onto the signal row.
func (s *Store) UpdateSignalPerformance(ctx context.Context, rec *types.PerformanceRecord) error {
	price := func(label string) any { return nullMapValue(rec.HorizonPrices, label) }
	pnl := func(label string) any { return nullMapValue(rec.HorizonPnL, label) }

	var wasCorrect any
	if rec.WasCorrect != nil {
		wasCorrect = boolInt(*rec.WasCorrect)
	}
	var finalPnL any
	if rec.FinalPnL != nil {
		finalPnL = *rec.FinalPnL
	}
	var winning any
	if rec.Resolved {
		winning = rec.WinningOutcome
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_performance (
			signal_id, market_id, signal_type, confidence,
			entry_time, entry_outcome_index, entry_price, entry_direction, market_volume,
			price_30min, price_1hr, price_4hr, price_24hr, price_7day,
			pnl_30min, pnl_1hr, pnl_4hr, pnl_24hr, pnl_7day,
			market_resolved, resolution_time, winning_outcome_index,
			final_pnl, was_correct, magnitude, max_favorable_move, max_adverse_move
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET
			price_30min = excluded.price_30min,
			price_1hr = excluded.price_1hr,
			price_4hr = excluded.price_4hr,
			price_24hr = excluded.price_24hr,
			price_7day = excluded.price_7day,
			pnl_30min = excluded.pnl_30min,
			pnl_1hr = excluded.pnl_1hr,
			pnl_4hr = excluded.pnl_4hr,
			pnl_24hr = excluded.pnl_24hr,
			pnl_7day = excluded.pnl_7day,
			market_resolved = excluded.market_resolved,
			resolution_time = excluded.resolution_time,
			winning_outcome_index = excluded.winning_outcome_index,
			final_pnl = excluded.final_pnl,
			was_correct = excluded.was_correct,
			magnitude = excluded.magnitude,
			max_favorable_move = excluded.max_favorable_move,
			max_adverse_move = excluded.max_adverse_move`,
		rec.SignalID, rec.MarketID, string(rec.Type), rec.Confidence,
		rec.EntryTime, rec.EntryOutcome, rec.EntryPrice, string(rec.Direction), rec.MarketVolume,
		price("30min"), price("1hr"), price("4hr"), price("24hr"), price("7day"),
		pnl("30min"), pnl("1hr"), pnl("4hr"), pnl("24hr"), pnl("7day"),
		boolInt(rec.Resolved), nullTime(rec.ResolutionTime), winning,
		finalPnL, wasCorrect, rec.Magnitude, rec.MaxFavorable, rec.MaxAdverse,
	)
	if err != nil {
		return err
	}

	if rec.WasCorrect != nil {
		outcome := "incorrect"
		if *rec.WasCorrect {
			outcome = "correct"
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE signals SET validated = 1, validation_time = ?, outcome = ?
			WHERE id = ? AND validated IS NULL`,
			time.Now(), outcome, rec.SignalID)
	}
	return err
}

// InsertSystemAlert records an operational event.
func (s *Store) InsertSystemAlert(ctx context.Context, a *types.SystemAlert) error {
	var contextJSON any
	if len(a.Context) > 0 {
		b, err := json.Marshal(a.Context)
		if err != nil {
			return fmt.Errorf("marshal alert context: %w", err)
		}
		contextJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_alerts (name, level, message, component, operation, context, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Name, string(a.Level), a.Message, a.Component, a.Operation, contextJSON, a.Timestamp)
	return err
}

// LoadPosteriors rebuilds the per-type posterior counts from persisted
// performance rows, for warm-starting the tracker after a restart.
func (s *Store) LoadPosteriors(ctx context.Context) ([]types.Posterior, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_type,
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN was_correct = 1 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN was_correct = 0 THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(AVG(CASE WHEN first_pnl > 0 THEN first_pnl END), 0) AS avg_win,
			COALESCE(AVG(CASE WHEN first_pnl <= 0 THEN first_pnl END), 0) AS avg_loss
		FROM (
			SELECT signal_type, was_correct,
				COALESCE(pnl_30min, pnl_1hr, pnl_4hr, pnl_24hr, pnl_7day, final_pnl) AS first_pnl
			FROM signal_performance
			WHERE was_correct IS NOT NULL
		)
		GROUP BY signal_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Posterior
	for rows.Next() {
		var p types.Posterior
		var sigType string
		if err := rows.Scan(&sigType, &p.Count, &p.Wins, &p.Losses, &p.AvgWin, &p.AvgLoss); err != nil {
			return nil, err
		}
		p.Type = types.SignalType(sigType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneBefore deletes time-series rows older than the cutoff and closed
// markets last scored before it. Returns total rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	statements := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM market_prices WHERE timestamp < ?`, []any{cutoff}},
		{`DELETE FROM orderbook_snapshots WHERE timestamp < ?`, []any{cutoff}},
		{`DELETE FROM trade_ticks WHERE timestamp < ?`, []any{cutoff}},
		{`DELETE FROM system_alerts WHERE timestamp < ?`, []any{cutoff}},
		{`DELETE FROM markets WHERE closed = 1 AND score_updated_at IS NOT NULL AND score_updated_at < ?`, []any{cutoff}},
	}
	for _, st := range statements {
		res, err := s.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// CountRows is a test and diagnostics helper.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	return n, err
}

func tierPriority(t types.Tier) int {
	switch t {
	case types.TierActive:
		return 2
	case types.TierWatchlist:
		return 1
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullMapValue(m map[string]float64, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	return nil
}
