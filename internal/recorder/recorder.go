package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	hassws "github.com/jrudman/hass-ws"
)

// DB is the subset of a pgx pool the recorder writes through.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// Row is one recorded state transition.
type Row struct {
	Time       time.Time
	EntityID   string
	OldState   string
	NewState   string
	Attributes []byte // raw JSON of the new state's attributes
	RunID      uuid.UUID
}

// Recorder batches state_changed events into the state_changes table. Each
// process run is tagged with a fresh run id so overlapping recorder instances
// can be told apart.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     DB
	runID  uuid.UUID

	input chan Row

	batch       []Row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder writing through db.
func New(cfg Config, db DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		db:     db,
		runID:  uuid.New(),
		input:  make(chan Row, cfg.BufferSize),
		batch:  make([]Row, 0, cfg.BatchSize),
	}
}

// RunID returns the identifier tagging every row this instance writes.
func (r *Recorder) RunID() uuid.UUID {
	return r.runID
}

// Start begins consuming queued rows and flushing batches.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"run_id", r.runID,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	// The run context is cancelled by now, so the tail must go out on the
	// caller's context: collect what the loops left in the intake channel
	// and flush it together with the partial batch.
	r.drainInput()
	r.flush(ctx)

	r.logger.Info("recorder stopped")
	return nil
}

// drainInput moves rows still queued in the intake channel into the batch.
// Only called after the consume loop has exited.
func (r *Recorder) drainInput() {
	for {
		select {
		case row := <-r.input:
			r.batchMu.Lock()
			r.batch = append(r.batch, row)
			r.batchMu.Unlock()
		default:
			return
		}
	}
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// HandleEvent decodes a state_changed event and queues it for writing. Wire it
// as the callback of a subscribe_events subscription. Events that are not
// state changes are ignored.
func (r *Recorder) HandleEvent(ev hassws.Event) {
	if ev.EventType != "state_changed" {
		return
	}

	var data hassws.StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		r.logger.Warn("undecodable state_changed payload", "error", err)
		return
	}
	if data.NewState == nil {
		// Entity removed; nothing to record.
		return
	}

	r.Enqueue(r.transform(ev, data))
}

// Enqueue adds a row without blocking; when the buffer is full the row is
// dropped and counted.
func (r *Recorder) Enqueue(row Row) {
	select {
	case r.input <- row:
	default:
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
		r.logger.Warn("recorder buffer full, dropping row", "entity_id", row.EntityID)
	}
}

// transform converts a decoded event into a row.
func (r *Recorder) transform(ev hassws.Event, data hassws.StateChangedData) Row {
	row := Row{
		Time:     ev.TimeFired,
		EntityID: data.EntityID,
		NewState: data.NewState.State,
		RunID:    r.runID,
	}
	if data.OldState != nil {
		row.OldState = data.OldState.State
	}
	if len(data.NewState.Attributes) > 0 {
		if attrs, err := json.Marshal(data.NewState.Attributes); err == nil {
			row.Attributes = attrs
		}
	}
	return row
}

// consumeLoop reads queued rows and accumulates batches.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case row := <-r.input:
			r.handleRow(row)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// handleRow adds a row to the batch, flushing when full.
func (r *Recorder) handleRow(row Row) {
	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]Row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed state changes",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []Row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO state_changes (ts, entity_id, old_state, new_state, attributes, run_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (entity_id, ts) DO NOTHING
		`, row.Time, row.EntityID, row.OldState, row.NewState, row.Attributes, row.RunID)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
