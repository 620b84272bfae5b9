// Package usage implements the usage tracker: a thread-safe append buffer
// that batches LLM call records into the llm_usage_log table and mirrors
// totals into Prometheus counters. The background loop flushes on an
// interval; a Record call that fills the buffer flushes synchronously.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

// Record is one LLM call's accounting entry.
type Record struct {
	Timestamp        int64
	PersonaID        string
	BuildingID       string
	ModelID          string
	InputTokens      int
	OutputTokens     int
	CachedTokens     int
	CacheWriteTokens int
	CostUSD          float64
	NodeType         string
	PlaybookName     string
	Category         string
}

// Tracker buffers records in memory and flushes them to SQLite on an
// interval or when the buffer fills, whichever comes first.
type Tracker struct {
	db *sql.DB

	mu     sync.Mutex
	buffer []Record

	flushEvery   time.Duration
	flushAtSize  int
	tokensTotal  *prometheus.CounterVec
	costTotal    *prometheus.CounterVec
	callsTotal   *prometheus.CounterVec

	stop chan struct{}
	done chan struct{}
}

// Options configures Tracker construction.
type Options struct {
	FlushEvery  time.Duration
	FlushAtSize int
	Registerer  prometheus.Registerer
}

// Open opens the usage log database at path and starts the background
// flush loop.
func Open(path string, opts Options) (*Tracker, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS llm_usage_log (
	ts INTEGER NOT NULL,
	persona_id TEXT NOT NULL,
	building_id TEXT,
	model_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL,
	cache_write_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	node_type TEXT,
	playbook_name TEXT,
	category TEXT
)`); err != nil {
		db.Close()
		return nil, err
	}

	if opts.FlushEvery == 0 {
		opts.FlushEvery = 5 * time.Second
	}
	if opts.FlushAtSize == 0 {
		opts.FlushAtSize = 100
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	t := &Tracker{
		db:          db,
		flushEvery:  opts.FlushEvery,
		flushAtSize: opts.FlushAtSize,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saiverse_llm_tokens_total",
			Help: "Total LLM tokens consumed, labeled by model and direction.",
		}, []string{"model_id", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saiverse_llm_cost_usd_total",
			Help: "Total LLM cost in USD, labeled by model.",
		}, []string{"model_id"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saiverse_llm_calls_total",
			Help: "Total LLM calls, labeled by model and node type.",
		}, []string{"model_id", "node_type"}),
	}
	reg.MustRegister(t.tokensTotal, t.costTotal, t.callsTotal)

	go t.flushLoop()
	return t, nil
}

// Record appends one usage record and updates Prometheus counters
// immediately; persistence to SQLite is batched. When this record brings
// the buffer to FlushAtSize, Record writes the batch itself before it
// returns.
func (t *Tracker) Record(r Record) {
	t.tokensTotal.WithLabelValues(r.ModelID, "input").Add(float64(r.InputTokens))
	t.tokensTotal.WithLabelValues(r.ModelID, "output").Add(float64(r.OutputTokens))
	t.costTotal.WithLabelValues(r.ModelID).Add(r.CostUSD)
	t.callsTotal.WithLabelValues(r.ModelID, r.NodeType).Inc()

	t.mu.Lock()
	t.buffer = append(t.buffer, r)
	full := len(t.buffer) >= t.flushAtSize
	t.mu.Unlock()

	if full {
		t.flush(context.Background())
	}
}

func (t *Tracker) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush(context.Background())
		case <-t.stop:
			t.flush(context.Background())
			return
		}
	}
}

func (t *Tracker) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO llm_usage_log(ts, persona_id, building_id, model_id, input_tokens, output_tokens,
	cached_tokens, cache_write_tokens, cost_usd, node_type, playbook_name, category)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, r.PersonaID, r.BuildingID, r.ModelID,
			r.InputTokens, r.OutputTokens, r.CachedTokens, r.CacheWriteTokens, r.CostUSD,
			r.NodeType, r.PlaybookName, r.Category); err != nil {
			tx.Rollback()
			return
		}
	}
	tx.Commit()
}

// Close stops the flush loop (flushing any remainder) and closes the DB.
func (t *Tracker) Close() error {
	close(t.stop)
	<-t.done
	return t.db.Close()
}

// PulseAccumulator mirrors the _pulse_usage_accumulator execution-state
// entry: running totals across every LLM call within one pulse.
type PulseAccumulator struct {
	TotalInputTokens      int
	TotalOutputTokens     int
	TotalCachedTokens     int
	TotalCacheWriteTokens int
	TotalCostUSD          float64
	CallCount             int
	ModelsUsed            map[string]bool
}

// NewPulseAccumulator builds an empty accumulator.
func NewPulseAccumulator() *PulseAccumulator {
	return &PulseAccumulator{ModelsUsed: map[string]bool{}}
}

// Add folds one record into the accumulator; CallCount always increases by
// exactly one per call, satisfying the cost-accounting testable property.
func (a *PulseAccumulator) Add(r Record) {
	a.TotalInputTokens += r.InputTokens
	a.TotalOutputTokens += r.OutputTokens
	a.TotalCachedTokens += r.CachedTokens
	a.TotalCacheWriteTokens += r.CacheWriteTokens
	a.TotalCostUSD += r.CostUSD
	a.CallCount++
	a.ModelsUsed[r.ModelID] = true
}
