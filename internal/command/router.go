// Package command routes control instructions to robots with per-robot FIFO
// ordering, emergency-stop priority and ack correlation.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

type queued struct {
	cmd     domain.Command
	robotID string
}

type robotQueue struct {
	mu    sync.Mutex
	items []queued
	kick  chan struct{}
}

func (q *robotQueue) push(item queued, head bool) {
	q.mu.Lock()
	if head {
		q.items = append([]queued{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *robotQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Router serialises commands per robot. One goroutine per robot owns that
// robot's wire order; emergency stops jump the queue and gate what follows
// until acknowledged or timed out.
type Router struct {
	pub        domain.Publisher
	robots     domain.RobotRepository
	audit      domain.AuditRepository
	ns         string
	ackTimeout time.Duration
	log        *slog.Logger

	ctx     context.Context
	started bool

	mu      sync.Mutex
	queues  map[string]*robotQueue
	pending map[string]chan domain.CommandAck
}

// New constructs a Router. Start must be called before Send.
func New(pub domain.Publisher, robots domain.RobotRepository, audit domain.AuditRepository, ns string, ackTimeout time.Duration, log *slog.Logger) *Router {
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		pub:        pub,
		robots:     robots,
		audit:      audit,
		ns:         ns,
		ackTimeout: ackTimeout,
		log:        log,
		queues:     make(map[string]*robotQueue),
		pending:    make(map[string]chan domain.CommandAck),
	}
}

// Start binds the router's worker lifetime to ctx.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.started = true
	r.mu.Unlock()
}

// Send enqueues a command for one robot and returns the server-minted
// command id. Commands for the same robot reach the wire in enqueue order;
// an emergency stop goes to the head of the queue.
func (r *Router) Send(ctx domain.Context, robotID string, cmd domain.Command) (string, error) {
	if robotID == "" || cmd.Type == "" {
		return "", fmt.Errorf("op=command.Send: %w", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return "", fmt.Errorf("op=command.Send: router not started: %w", domain.ErrStopped)
	}
	cmd.ID = ulid.Make().String()
	if cmd.Timeout <= 0 {
		cmd.Timeout = r.ackTimeout
	}
	q, ok := r.queues[robotID]
	if !ok {
		q = &robotQueue{kick: make(chan struct{}, 1)}
		r.queues[robotID] = q
		go r.worker(r.ctx, robotID, q)
	}
	r.mu.Unlock()

	q.push(queued{cmd: cmd, robotID: robotID}, cmd.Type == domain.CommandEmergencyStop)
	observability.CommandsSentTotal.WithLabelValues(string(cmd.Type)).Inc()
	return cmd.ID, nil
}

// Broadcast fans a command out to every known robot; each delivery is a
// per-robot enqueue so per-robot FIFO is preserved. Returns command ids by
// robot.
func (r *Router) Broadcast(ctx domain.Context, cmd domain.Command) (map[string]string, error) {
	robots, err := r.robots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=command.Broadcast: %w", err)
	}
	ids := make(map[string]string, len(robots))
	for _, rb := range robots {
		id, err := r.Send(ctx, rb.ID, cmd)
		if err != nil {
			return ids, err
		}
		ids[rb.ID] = id
	}
	return ids, nil
}

// HandleAck correlates an acknowledgment with its in-flight command. Unknown
// ids (late acks after timeout) are dropped.
func (r *Router) HandleAck(ack domain.CommandAck) {
	r.mu.Lock()
	ch, ok := r.pending[ack.CommandID]
	if ok {
		delete(r.pending, ack.CommandID)
	}
	r.mu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

func (r *Router) worker(ctx context.Context, robotID string, q *robotQueue) {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.kick:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.dispatch(ctx, robotID, item.cmd)
	}
}

// dispatch publishes one command and arranges ack tracking. Emergency stops
// hold the worker (and therefore the queue) until acknowledged or timed out;
// everything else is tracked in the background.
func (r *Router) dispatch(ctx context.Context, robotID string, cmd domain.Command) {
	msg := domain.CommandMessage{
		CommandID:  cmd.ID,
		Type:       cmd.Type,
		Parameters: cmd.Parameters,
		TimeoutSec: cmd.Timeout.Seconds(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("command marshal failed", slog.String("command_id", cmd.ID), slog.Any("error", err))
		return
	}

	ackCh := make(chan domain.CommandAck, 1)
	r.mu.Lock()
	r.pending[cmd.ID] = ackCh
	r.mu.Unlock()

	if err := r.pub.Publish(ctx, mqtt.CommandTopic(r.ns, robotID), b, 1); err != nil {
		r.log.Warn("command publish failed",
			slog.String("robot_id", robotID), slog.String("command_id", cmd.ID), slog.Any("error", err))
	}

	if cmd.Type == domain.CommandEmergencyStop {
		r.awaitAck(ctx, robotID, cmd, ackCh)
		return
	}
	go r.awaitAck(ctx, robotID, cmd, ackCh)
}

func (r *Router) awaitAck(ctx context.Context, robotID string, cmd domain.Command, ackCh chan domain.CommandAck) {
	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case ack := <-ackCh:
		if ack.Status != domain.AckOK {
			r.log.Warn("command rejected by robot",
				slog.String("robot_id", robotID), slog.String("command_id", cmd.ID), slog.String("detail", ack.Detail))
		}
	case <-timer.C:
		observability.CommandsTimedOutTotal.Inc()
		r.mu.Lock()
		delete(r.pending, cmd.ID)
		r.mu.Unlock()
		r.log.Warn("command ack timeout",
			slog.String("robot_id", robotID), slog.String("command_id", cmd.ID), slog.String("type", string(cmd.Type)))
		_ = r.audit.Append(ctx, domain.AuditEntry{
			Level:    domain.AuditWarning,
			Category: "command",
			Message:  "command unacknowledged within timeout",
			RobotID:  robotID,
			Details:  map[string]string{"command_id": cmd.ID, "type": string(cmd.Type)},
		})
	}
}
