package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/tonypi-fleet/internal/alerting"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// JobView is the read side of the job tracker.
type JobView interface {
	ListActive() []domain.Job
	GetByRobot(robotID string) (domain.Job, bool)
}

// CommandSender enqueues commands for delivery.
type CommandSender interface {
	Send(ctx domain.Context, robotID string, cmd domain.Command) (string, error)
	Broadcast(ctx domain.Context, cmd domain.Command) (map[string]string, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Robots     domain.RobotRepository
	Thresholds domain.ThresholdRepository
	ThreshSrc  domain.ThresholdSource
	Alerts     domain.AlertRepository
	Jobs       JobView
	TS         domain.TimeSeries
	Commands   CommandSender

	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
	InfluxCheck func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type robotResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	NetworkAddress string    `json:"network_address,omitempty"`
	State          string    `json:"state"`
	LastSeen       time.Time `json:"last_seen"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toRobotResponse(r domain.Robot) robotResponse {
	return robotResponse{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		NetworkAddress: r.NetworkAddress,
		State:          string(r.State),
		LastSeen:       r.LastSeen,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// ListRobotsHandler serves GET /v1/robots.
func (s *Server) ListRobotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		robots, err := s.Robots.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]robotResponse, 0, len(robots))
		for _, rb := range robots {
			out = append(out, toRobotResponse(rb))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"robots": out})
	}
}

// GetRobotHandler serves GET /v1/robots/{id}.
func (s *Server) GetRobotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rb, err := s.Robots.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toRobotResponse(rb))
	}
}

type stateRequest struct {
	State string `json:"state" validate:"required,oneof=online offline maintenance error"`
}

// SetRobotStateHandler serves PATCH /v1/robots/{id}/state, used by operators
// to flag maintenance windows.
func (s *Server) SetRobotStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Robots.SetState(r.Context(), id, domain.RobotState(req.State)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("robot state set", "robot_id", id, "state", req.State)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": req.State})
	}
}

func telemetryTags(r *http.Request, robotID string) map[string]string {
	tags := map[string]string{"robot_id": robotID}
	for _, k := range []string{"sensor_type", "servo_name", "source"} {
		if v := r.URL.Query().Get(k); v != "" {
			tags[k] = v
		}
	}
	return tags
}

type pointResponse struct {
	Measurement string                 `json:"measurement"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
	Timestamp   time.Time              `json:"timestamp"`
}

func toPointResponse(p domain.Point) pointResponse {
	return pointResponse{
		Measurement: string(p.Measurement),
		Tags:        p.Tags,
		Fields:      p.Fields,
		Timestamp:   p.Timestamp,
	}
}

// LatestTelemetryHandler serves GET /v1/robots/{id}/telemetry/latest.
func (s *Server) LatestTelemetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := domain.Measurement(r.URL.Query().Get("measurement"))
		if m == "" {
			writeError(w, r, fmt.Errorf("%w: measurement is required", domain.ErrInvalidArgument), nil)
			return
		}
		since := 5 * time.Minute
		if v := r.URL.Query().Get("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: since: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
			since = d
		}
		p, err := s.TS.Latest(r.Context(), m, telemetryTags(r, chi.URLParam(r, "id")), since)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toPointResponse(p))
	}
}

// HistoryTelemetryHandler serves GET /v1/robots/{id}/telemetry/history.
func (s *Server) HistoryTelemetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := domain.Measurement(r.URL.Query().Get("measurement"))
		if m == "" {
			writeError(w, r, fmt.Errorf("%w: measurement is required", domain.ErrInvalidArgument), nil)
			return
		}
		window := time.Hour
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeError(w, r, fmt.Errorf("%w: window must be a positive duration", domain.ErrInvalidArgument), nil)
				return
			}
			window = d
		}
		var every time.Duration
		if v := r.URL.Query().Get("every"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeError(w, r, fmt.Errorf("%w: every must be a positive duration", domain.ErrInvalidArgument), nil)
				return
			}
			every = d
		}
		agg := r.URL.Query().Get("agg")
		points, err := s.TS.History(r.Context(), m, telemetryTags(r, chi.URLParam(r, "id")), window, agg, every)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]pointResponse, 0, len(points))
		for _, p := range points {
			out = append(out, toPointResponse(p))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"points": out})
	}
}

type alertResponse struct {
	ID             int64      `json:"id"`
	RobotID        string     `json:"robot_id"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Source         string     `json:"source,omitempty"`
	ObservedValue  float64    `json:"observed_value"`
	ThresholdValue float64    `json:"threshold_value"`
	Title          string     `json:"title,omitempty"`
	Message        string     `json:"message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func toAlertResponse(a domain.Alert) alertResponse {
	return alertResponse{
		ID:             a.ID,
		RobotID:        a.RobotID,
		Type:           a.Type,
		Severity:       string(a.Severity),
		Source:         a.Source,
		ObservedValue:  a.ObservedValue,
		ThresholdValue: a.ThresholdValue,
		Title:          a.Title,
		Message:        a.Message,
		CreatedAt:      a.CreatedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

// ListAlertsHandler serves GET /v1/alerts. ?robot_id filters by robot;
// without it only open alerts are listed.
func (s *Server) ListAlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			alerts []domain.Alert
			err    error
		)
		if robotID := r.URL.Query().Get("robot_id"); robotID != "" {
			limit := 100
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, perr := strconv.Atoi(v); perr == nil && n > 0 && n <= 1000 {
					limit = n
				}
			}
			alerts, err = s.Alerts.ListByRobot(r.Context(), robotID, limit)
		} else {
			alerts, err = s.Alerts.ListOpen(r.Context())
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]alertResponse, 0, len(alerts))
		for _, a := range alerts {
			out = append(out, toAlertResponse(a))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": out})
	}
}

type ackAlertRequest struct {
	By string `json:"by" validate:"required,max=128"`
}

// AckAlertHandler serves POST /v1/alerts/{id}/ack.
func (s *Server) AckAlertHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: alert id must be numeric", domain.ErrInvalidArgument), nil)
			return
		}
		var req ackAlertRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Alerts.Acknowledge(r.Context(), id, req.By, time.Now().UTC()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "acknowledged_by": req.By})
	}
}

type jobResponse struct {
	ID              int64      `json:"id"`
	RobotID         string     `json:"robot_id"`
	TaskName        string     `json:"task_name,omitempty"`
	Phase           string     `json:"phase"`
	Status          string     `json:"status"`
	ItemsTotal      int        `json:"items_total"`
	ItemsDone       int        `json:"items_done"`
	PercentComplete float64    `json:"percent_complete"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	LastItem        string     `json:"last_item,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		RobotID:         j.RobotID,
		TaskName:        j.TaskName,
		Phase:           string(j.Phase),
		Status:          string(j.Status),
		ItemsTotal:      j.ItemsTotal,
		ItemsDone:       j.ItemsDone,
		PercentComplete: j.PercentComplete,
		StartTime:       j.StartTime,
		EndTime:         j.EndTime,
		LastItem:        j.LastItem,
	}
}

// ActiveJobsHandler serves GET /v1/jobs/active.
func (s *Server) ActiveJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		jobs := s.Jobs.ListActive()
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
	}
}

// RobotJobHandler serves GET /v1/robots/{id}/job.
func (s *Server) RobotJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := s.Jobs.GetByRobot(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, r, fmt.Errorf("no active job: %w", domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(j))
	}
}

type commandRequest struct {
	Type       string                 `json:"type" validate:"required,oneof=move stop gesture status_query battery_query emergency_stop resume shutdown"`
	Parameters map[string]interface{} `json:"parameters"`
	TimeoutSec float64                `json:"timeout_sec" validate:"gte=0,lte=300"`
}

func (req commandRequest) toCommand() domain.Command {
	return domain.Command{
		Type:       domain.CommandType(req.Type),
		Parameters: req.Parameters,
		Timeout:    time.Duration(req.TimeoutSec * float64(time.Second)),
	}
}

// SendCommandHandler serves POST /v1/robots/{id}/commands.
func (s *Server) SendCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		robotID := chi.URLParam(r, "id")
		if _, err := s.Robots.Get(r.Context(), robotID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Commands.Send(r.Context(), robotID, req.toCommand())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("command accepted", "robot_id", robotID, "command_id", id, "type", req.Type)
		writeJSON(w, http.StatusAccepted, map[string]string{"command_id": id, "robot_id": robotID})
	}
}

// BroadcastCommandHandler serves POST /v1/commands/broadcast.
func (s *Server) BroadcastCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		ids, err := s.Commands.Broadcast(r.Context(), req.toCommand())
		if err != nil {
			writeError(w, r, err, map[string]interface{}{"delivered": ids})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"command_ids": ids})
	}
}

// ListThresholdsHandler serves GET /v1/robots/{id}/thresholds.
func (s *Server) ListThresholdsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ths, err := s.Thresholds.ListByRobot(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"thresholds": ths})
	}
}

type thresholdRequest struct {
	Warn     float64 `json:"warn"`
	Crit     float64 `json:"crit"`
	HystWarn float64 `json:"hyst_warn" validate:"gte=0"`
	HystCrit float64 `json:"hyst_crit" validate:"gte=0"`
	Enabled  *bool   `json:"enabled"`
}

// PutThresholdHandler serves PUT /v1/robots/{id}/thresholds/{metric}. The
// write invalidates the threshold cache so the alert engine picks the new
// values up on the next observation.
func (s *Server) PutThresholdHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req thresholdRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t := domain.Threshold{
			RobotID:  chi.URLParam(r, "id"),
			Metric:   chi.URLParam(r, "metric"),
			Warn:     req.Warn,
			Crit:     req.Crit,
			HystWarn: req.HystWarn,
			HystCrit: req.HystCrit,
			Enabled:  true,
		}
		if req.Enabled != nil {
			t.Enabled = *req.Enabled
		}
		if err := alerting.ValidateThreshold(t); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Thresholds.Upsert(r.Context(), t); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.ThreshSrc.Invalidate(r.Context(), t.RobotID, t.Metric); err != nil {
			LoggerFrom(r).Warn("threshold cache invalidation failed",
				"robot_id", t.RobotID, "metric", t.Metric, "error", err)
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type result struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"database": s.DBCheck,
			"broker":   s.BrokerCheck,
			"tsdb":     s.InfluxCheck,
			"cache":    s.RedisCheck,
		}
		out := make(map[string]result, len(checks))
		ok := true
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				ok = false
				out[name] = result{OK: false, Detail: err.Error()}
			} else {
				out[name] = result{OK: true}
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"ready": ok, "checks": out})
	}
}
