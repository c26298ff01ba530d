package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink batches LogRecord writes into a single ClickHouse INSERT
// per flush, using the native protocol driver. The target table is expected
// to exist already (see usage_logs.sql in the deployment docs) with columns
// matching the fields written in Write below.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a connection to the ClickHouse DSN and returns a
// Sink that inserts into the given table (default "usage_logs").
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	if table == "" {
		table = "usage_logs"
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []LogRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		id, org_id, project_id, provider, model, requested_provider, requested_model,
		input_tokens, output_tokens, cached_tokens, reasoning_tokens,
		cost_usd, gateway_margin_usd,
		latency_ms, ttfb_ms, status, cached, created_at
	)`, s.table)

	b, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("logger: prepare clickhouse batch: %w", err)
	}

	for _, e := range batch {
		if err := b.Append(
			e.ID.String(), e.OrgID, e.ProjectID, e.Provider, e.Model, e.RequestedProvider, e.RequestedModel,
			e.InputTokens, e.OutputTokens, e.CachedTokens, e.ReasoningTokens,
			e.CostUSD.InexactFloat64(), e.GatewayMarginUSD.InexactFloat64(),
			e.LatencyMs, e.TTFBMs, e.Status, e.Cached, normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append clickhouse row: %w", err)
		}
	}

	return b.Send()
}

// Close releases the underlying ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
