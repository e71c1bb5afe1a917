// Package quota tracks daily platform API usage and decides when the bot
// should slow down polling to stay inside the provider's daily budget.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/loomy/backend/telemetry"
)

// Status is a snapshot of today's usage counters.
type Status struct {
	Day            string  `json:"day"`
	RequestCount   int     `json:"request_count"`
	EstimatedCost  float64 `json:"estimated_cost"`
	BackoffEnabled bool    `json:"backoff_enabled"`
	SoftThreshold  int     `json:"soft_threshold"`
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

// Track increments today's request counter by n requests with the given
// estimated unit cost. The day row is created on first use.
func Track(ctx context.Context, db *sql.DB, n int, cost float64) error {
	_, err := db.ExecContext(ctx, `INSERT INTO api_quota (day, request_count, estimated_cost, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (day) DO UPDATE SET
			request_count = api_quota.request_count + EXCLUDED.request_count,
			estimated_cost = api_quota.estimated_cost + EXCLUDED.estimated_cost,
			updated_at = NOW()`, today(), n, cost)
	if err != nil {
		return fmt.Errorf("track quota: %w", err)
	}
	return nil
}

// ShouldBackoff reports whether today's usage crossed the soft threshold.
// The decision is sticky for the rest of the day: once engaged it stays on
// until the next UTC day, even if the counter is not read again. State
// transitions are logged and persisted so restarts keep the same answer.
func ShouldBackoff(ctx context.Context, db *sql.DB, softThreshold int) (bool, error) {
	if softThreshold <= 0 {
		return false, nil
	}
	var count int
	var enabled bool
	err := db.QueryRowContext(ctx, `SELECT request_count, backoff_enabled FROM api_quota WHERE day=$1`, today()).
		Scan(&count, &enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read quota: %w", err)
	}

	should := enabled || count >= softThreshold
	if should != enabled {
		if _, uerr := db.ExecContext(ctx, `UPDATE api_quota SET backoff_enabled=$1, updated_at=NOW() WHERE day=$2`, should, today()); uerr != nil {
			slog.Warn("persist quota backoff flag failed", slog.Any("err", uerr),
				slog.String("component", "quota"))
		}
		slog.Warn("quota backoff engaged",
			slog.Int("request_count", count),
			slog.Int("soft_threshold", softThreshold),
			slog.String("component", "quota"))
	}
	if telemetry.QuotaRequestsToday != nil {
		telemetry.QuotaRequestsToday.Set(float64(count))
		if should {
			telemetry.QuotaBackoff.Set(1)
		} else {
			telemetry.QuotaBackoff.Set(0)
		}
	}
	return should, nil
}

// GetStatus returns today's counters for the status endpoint.
func GetStatus(ctx context.Context, db *sql.DB, softThreshold int) (Status, error) {
	st := Status{Day: today(), SoftThreshold: softThreshold}
	err := db.QueryRowContext(ctx, `SELECT request_count, estimated_cost, backoff_enabled FROM api_quota WHERE day=$1`, today()).
		Scan(&st.RequestCount, &st.EstimatedCost, &st.BackoffEnabled)
	if err != nil && err != sql.ErrNoRows {
		return st, fmt.Errorf("quota status: %w", err)
	}
	return st, nil
}
