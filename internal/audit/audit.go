package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditLog records one shipment status change or one audited request.
type AuditLog struct {
	Timestamp  time.Time
	ShipmentID string
	OldStatus  string
	NewStatus  string
	Endpoint   string
	Request    string
	Message    string
}

type AuditPoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

func DefaultPoolConfig() AuditPoolConfig {
	return AuditPoolConfig{BatchSize: 10, Timeout: 500 * time.Millisecond, ChannelSize: 256}
}

type AuditLogProcessor interface {
	Process(ctx context.Context, batch []AuditLog) error
}

type DBProcessor struct {
	db *sql.DB
}

func NewDBProcessor(db *sql.DB) *DBProcessor {
	return &DBProcessor{db: db}
}

func (p *DBProcessor) Process(ctx context.Context, batch []AuditLog) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs ("timestamp", shipment_id, old_status, new_status, endpoint, request, message) VALUES `)

	params := make([]any, 0, len(batch)*7)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * 7
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		params = append(params, rec.Timestamp, rec.ShipmentID, rec.OldStatus, rec.NewStatus, rec.Endpoint, rec.Request, rec.Message)
	}
	if _, err := p.db.ExecContext(ctx, sb.String(), params...); err != nil {
		return fmt.Errorf("DBProcessor error: %w", err)
	}
	return nil
}

// LogProcessor writes records to the application log. A non-empty Filter keeps
// only records whose message contains it, case-insensitively.
type LogProcessor struct {
	Filter string
	Logger *zap.Logger
}

func (p *LogProcessor) Process(_ context.Context, batch []AuditLog) error {
	for _, rec := range batch {
		if p.Filter != "" &&
			!strings.Contains(strings.ToLower(rec.Message), strings.ToLower(p.Filter)) {
			continue
		}
		p.Logger.Info("audit",
			zap.Time("timestamp", rec.Timestamp),
			zap.String("shipment_id", rec.ShipmentID),
			zap.String("old_status", rec.OldStatus),
			zap.String("new_status", rec.NewStatus),
			zap.String("endpoint", rec.Endpoint),
			zap.String("request", rec.Request),
			zap.String("message", rec.Message),
		)
	}
	return nil
}

type AuditWorkerPool struct {
	inputCh    chan AuditLog
	processors []AuditLogProcessor
	batchSize  int
	timeout    time.Duration
	logger     *zap.Logger

	wg sync.WaitGroup
}

func NewAuditWorkerPool(cfg AuditPoolConfig, logger *zap.Logger, processors ...AuditLogProcessor) *AuditWorkerPool {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPoolConfig().Timeout
	}
	return &AuditWorkerPool{
		inputCh:    make(chan AuditLog, cfg.ChannelSize),
		processors: processors,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

func (p *AuditWorkerPool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *AuditWorkerPool) worker(ctx context.Context) {
	var batch []AuditLog
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			batch = p.drain(batch)
			if len(batch) > 0 {
				// the request context is gone, the final flush gets its own
				p.processBatch(context.Background(), batch)
			}
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				p.processBatch(ctx, batch)
				batch = nil
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.processBatch(ctx, batch)
				batch = nil
			}
			timer.Reset(p.timeout)
		}
	}
}

// drain takes whatever is still buffered without blocking.
func (p *AuditWorkerPool) drain(batch []AuditLog) []AuditLog {
	for {
		select {
		case rec := <-p.inputCh:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (p *AuditWorkerPool) processBatch(ctx context.Context, batch []AuditLog) {
	for _, proc := range p.processors {
		if err := proc.Process(ctx, batch); err != nil {
			p.logger.Error("audit batch failed", zap.Int("size", len(batch)), zap.Error(err))
		}
	}
}

// Log enqueues a record. It never blocks: when the buffer is full the record
// is dropped.
func (p *AuditWorkerPool) Log(record AuditLog) {
	select {
	case p.inputCh <- record:
	default:
		p.logger.Warn("audit log channel full, dropping record", zap.String("shipment_id", record.ShipmentID))
	}
}

func (p *AuditWorkerPool) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	p.wg.Wait()
}
