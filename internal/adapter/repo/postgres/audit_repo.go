package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// AuditRepo appends operational log records.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// Append inserts one audit record.
func (r *AuditRepo) Append(ctx domain.Context, e domain.AuditEntry) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO audit_logs (level, category, message, robot_id, details, ts)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, e.Level, e.Category, e.Message, e.RobotID, details, ts); err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	return nil
}

// AsyncAudit decouples audit writes from the ingestion path. Append enqueues
// and returns immediately; a background goroutine drains to the underlying
// repo. Overflow drops the entry with a warning rather than blocking a
// handler.
type AsyncAudit struct {
	inner domain.AuditRepository
	buf   chan domain.AuditEntry
	log   *slog.Logger
}

// NewAsyncAudit wraps repo with a bounded asynchronous writer.
func NewAsyncAudit(inner domain.AuditRepository, size int, log *slog.Logger) *AsyncAudit {
	if size <= 0 {
		size = 512
	}
	if log == nil {
		log = slog.Default()
	}
	return &AsyncAudit{inner: inner, buf: make(chan domain.AuditEntry, size), log: log}
}

// Run drains the buffer until ctx is cancelled.
func (a *AsyncAudit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.buf:
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.inner.Append(wctx, e); err != nil {
				a.log.Warn("audit append failed", slog.Any("error", err), slog.String("category", e.Category))
			}
			cancel()
		}
	}
}

// Append enqueues the entry; it never blocks.
func (a *AsyncAudit) Append(_ domain.Context, e domain.AuditEntry) error {
	select {
	case a.buf <- e:
	default:
		a.log.Warn("audit buffer full, entry dropped", slog.String("category", e.Category))
	}
	return nil
}
