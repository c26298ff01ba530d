// Package logger implements a non-blocking, batched usage-log pipeline.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. Unlike a simple drop-on-full policy, once the channel is saturated
// the caller falls back to a synchronous write through the same Sink: a
// usage record that can't be queued is written immediately rather than lost,
// trading a brief stall for an unbroken audit trail.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// LogRecord is one usage-log entry emitted per dispatched request.
type LogRecord struct {
	ID        uuid.UUID
	OrgID     string
	ProjectID string

	Provider string
	Model    string

	// RequestedModel/RequestedProvider are what the client asked for;
	// Provider/Model above are what actually served the request — they
	// diverge on a failover or a catalog-resolved provider-native model name.
	RequestedModel    string
	RequestedProvider string

	InputTokens     uint32
	OutputTokens    uint32
	CachedTokens    uint32
	ReasoningTokens uint32

	// CostUSD is the full provider-cost of the request, recorded even under
	// BYOK (where GatewayMarginUSD is zero but usage is still observable).
	CostUSD decimal.Decimal
	// GatewayMarginUSD is the amount actually debited from the org's ledger.
	GatewayMarginUSD decimal.Decimal

	LatencyMs uint16
	TTFBMs    uint16 // time to first byte; 0 for non-streaming requests
	Status    uint16
	Cached    bool

	// PromptBody/ResponseBody are populated only when an org has opted into
	// full-body logging; empty otherwise.
	PromptBody   string
	ResponseBody string

	CreatedAt time.Time
}

// Sink persists a batch of log records. Implementations must not retain the
// slice after Write returns — the caller reuses its backing array.
type Sink interface {
	Write(ctx context.Context, batch []LogRecord) error
}

// SlogSink writes log records as structured JSON via slog. It's always
// available and requires no external connection, making it the fallback
// sink when no ClickHouse DSN is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink builds a Sink backed by the given logger, or a default
// stdout JSON logger if nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []LogRecord) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("org_id", e.OrgID),
			slog.String("project_id", e.ProjectID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("requested_provider", e.RequestedProvider),
			slog.String("requested_model", e.RequestedModel),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("cached_tokens", uint64(e.CachedTokens)),
			slog.String("cost_usd", e.CostUSD.String()),
			slog.String("gateway_margin_usd", e.GatewayMarginUSD.String()),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("ttfb_ms", uint64(e.TTFBMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

// Logger is the async batching front-end over a Sink.
type Logger struct {
	ch        chan LogRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs      int64
	syncFallbackLogs int64

	baseCtx context.Context
	sink    Sink
}

// New builds a Logger that flushes to a SlogSink wrapping slogger (a nil
// slogger defaults to a stdout JSON logger).
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	return NewWithSink(ctx, NewSlogSink(slogger))
}

// NewWithSink builds a Logger flushing to an arbitrary Sink — e.g. a
// ClickHouseSink in production, or SlogSink in the open-source default.
func NewWithSink(ctx context.Context, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if sink == nil {
		sink = NewSlogSink(nil)
	}

	l := &Logger{
		ch:      make(chan LogRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record for async flushing. When the channel is saturated,
// it falls back to a synchronous single-record write through the sink
// rather than dropping the record — usage data backs billing, so losing it
// silently is worse than a brief stall on the hot path.
func (l *Logger) Log(entry LogRecord) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.syncFallbackLogs, 1)
		if err := l.sink.Write(l.baseCtx, []LogRecord{entry}); err != nil {
			atomic.AddInt64(&l.droppedLogs, 1)
		}
	}
}

// DroppedLogs returns the count of records that could not be written at all
// (channel full AND the synchronous fallback write also failed).
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// SyncFallbackLogs returns the count of records written synchronously
// because the async channel was full.
func (l *Logger) SyncFallbackLogs() int64 {
	return atomic.LoadInt64(&l.syncFallbackLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]LogRecord, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			atomic.AddInt64(&l.droppedLogs, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
