// Package engine assembles the access-control core.
//
// One Engine owns every mutable store: role assignments, active
// restrictions, rate-limit trackers, device fingerprints, activity windows,
// the keystore, the token registry and outstanding invitations. Transports
// (the HTTP API, MQTT subscribers) go through its methods and never share
// the stores directly.
//
// Lifecycle follows the other infrastructure components:
//
//	eng, err := engine.New(cfg, db.DB, engine.Options{Logger: log, Broker: mqttClient})
//	eng.Start(ctx)
//	defer eng.Close(shutdownCtx)
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/infrastructure/config"
	"github.com/nerrad567/factory-guard/internal/infrastructure/influxdb"
	"github.com/nerrad567/factory-guard/internal/infrastructure/logging"
	"github.com/nerrad567/factory-guard/internal/infrastructure/metrics"
	"github.com/nerrad567/factory-guard/internal/infrastructure/mqtt"
	"github.com/nerrad567/factory-guard/internal/keys"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/restriction"
	"github.com/nerrad567/factory-guard/internal/risk"
	"github.com/nerrad567/factory-guard/internal/token"
	"github.com/nerrad567/factory-guard/internal/tracking"
)

const (
	auditQueueSize       = 1024
	noticeQueueSize      = 256
	defaultSweepInterval = 5 * time.Minute
)

// ErrNoEventStore is returned by SecurityEvents when the engine runs
// without a database.
var ErrNoEventStore = errors.New("engine: no security event store configured")

// Broker is the MQTT surface the engine uses. *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Telemetry is the InfluxDB surface the engine uses. *influxdb.Client
// satisfies it.
type Telemetry interface {
	audit.PointWriter
	WriteRiskAssessment(companyID, level string, score int, factors influxdb.RiskFactors, degraded bool)
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Logger *logging.Logger

	// RoleStore overrides the SQLite role repository.
	RoleStore auth.RoleStore

	// Broker enables MQTT alerts, key rotation notices and cross-instance
	// role invalidation. Leave nil (not a typed nil) when MQTT is disabled.
	Broker Broker

	// Telemetry enables InfluxDB points. Leave nil when disabled.
	Telemetry Telemetry

	// Registerer receives the Prometheus collectors. Defaults to a fresh
	// registry.
	Registerer prometheus.Registerer

	// Sinks are extra audit sinks behind the dispatcher.
	Sinks []audit.Sink

	Clock func() time.Time
}

// Engine is the process-wide access-control core.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	log      *logging.Logger
	now      func() time.Time
	instance string

	broker  Broker
	qos     byte
	notices *notifier

	metrics    *metrics.Metrics
	events     *audit.SQLiteRepository
	dispatcher *audit.Dispatcher

	roles        *auth.RoleAssignmentStore
	authz        *auth.Authorizer
	risk         *risk.Engine
	restrictions *restriction.Engine
	limiter      *ratelimit.Limiter
	devices      *tracking.DeviceTracker
	activity     *tracking.ActivityTracker

	keys        *keys.Manager
	tokens      *token.Service
	invitations *token.Invitations
	signer      *token.Signer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires an engine from configuration. db backs the role assignments and
// the security event log; it may be nil when Options.RoleStore is set.
func New(cfg *config.Config, db *sql.DB, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}

	e := &Engine{
		cfg:      cfg,
		log:      opts.Logger,
		now:      opts.Clock,
		instance: "fg-" + uuid.NewString()[:8],
		broker:   opts.Broker,
		qos:      byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
	}
	if e.log == nil {
		e.log = logging.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e.metrics = metrics.New(reg)

	store := opts.RoleStore
	if store == nil {
		if db == nil {
			return nil, errors.New("engine: a database or role store is required")
		}
		store = auth.NewRoleRepository(db)
	}

	e.devices = tracking.NewDeviceTracker()
	e.devices.SetClock(e.now)
	e.activity = tracking.NewActivityTracker(cfg.Security.Activity.Window)
	e.activity.SetClock(e.now)
	e.limiter = ratelimit.FromConfig(cfg.Security.RateLimit)
	e.limiter.SetClock(e.now)

	r, err := risk.NewEngine(cfg, e.devices, e.activity)
	if err != nil {
		return nil, fmt.Errorf("building risk engine: %w", err)
	}
	km, err := keys.NewManager(keys.PolicyFrom(cfg.Security.KeyRotation), keys.WithClock(e.now))
	if err != nil {
		return nil, fmt.Errorf("creating keystore: %w", err)
	}

	// Workers start here; nothing below may fail.
	e.buildAudit(db, opts)
	if e.broker != nil {
		e.notices = newNotifier(e.broker, e.qos, noticeQueueSize, e.log.With("component", "notices"))
	}

	e.roles = auth.NewRoleAssignmentStore(store, cfg.Security.RoleStore.LookupTimeout)
	e.roles.SetLogger(e.log.With("component", "roles"))
	e.roles.SetClock(e.now)
	e.roles.OnChange(e.roleChanged)

	r.SetSink(e.dispatcher)
	r.SetLogger(e.log.With("component", "risk"))
	r.SetClock(e.now)
	r.SetRecorder(assessmentRecorder{metrics: e.metrics, telemetry: opts.Telemetry})
	e.risk = r

	e.restrictions = restriction.New(r)
	e.restrictions.SetClock(e.now)

	e.authz = auth.NewAuthorizer(e.roles, e.restrictions, e.dispatcher)
	e.authz.SetLogger(e.log.With("component", "authz"))
	e.authz.SetClock(e.now)
	e.authz.SetLocation(r.Location())

	km.SetLogger(e.log.With("component", "keys"))
	km.OnRotate(e.keyRotated)
	e.keys = km

	e.tokens = token.NewService(km, cfg.Security.Tokens.EnterpriseTTL, cfg.Security.KeyRotation.MaxTokenTTL)
	e.tokens.SetClock(e.now)
	e.invitations = token.NewInvitations(km, cfg.Security.Tokens.InvitationTTL)
	e.invitations.SetClock(e.now)
	e.signer = token.NewSigner(km, "factoryguard/"+cfg.Site.ID, cfg.Security.Tokens.AssertionTTL)
	e.signer.SetClock(e.now)

	return e, nil
}

// buildAudit assembles the sink chain behind a non-blocking dispatcher:
// SQLite, InfluxDB, MQTT alerts, Prometheus counters, then any extras.
func (e *Engine) buildAudit(db *sql.DB, opts Options) {
	var sinks audit.Fanout
	if db != nil {
		e.events = audit.NewSQLiteRepository(db)
		sinks = append(sinks, e.events)
	}
	if opts.Telemetry != nil {
		sinks = append(sinks, audit.NewTelemetry(opts.Telemetry))
	}
	if opts.Broker != nil {
		sinks = append(sinks, audit.NewAlertPublisher(opts.Broker, e.qos,
			e.cfg.MQTT.AlertsPerSecond, e.cfg.MQTT.AlertBurst, audit.SeverityHigh))
	}
	sinks = append(sinks, audit.SinkFunc(e.countEvent))
	sinks = append(sinks, opts.Sinks...)
	e.dispatcher = audit.NewDispatcher(sinks, auditQueueSize, e.log.With("component", "audit"))
}

// Start subscribes to cross-instance notifications and launches scheduled
// key rotation and the periodic sweep.
func (e *Engine) Start(ctx context.Context) error {
	var runCtx context.Context
	runCtx, e.cancel = context.WithCancel(ctx)

	if e.broker != nil {
		if err := e.broker.Subscribe(mqtt.Topics{}.RoleInvalidate(), e.qos, e.handleRoleInvalidate); err != nil {
			e.cancel()
			return fmt.Errorf("subscribing to role invalidation: %w", err)
		}
	}

	if kr := e.cfg.Security.KeyRotation; kr.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.keys.Run(runCtx, kr.Interval)
		}()
	}

	interval := e.cfg.Security.RateLimit.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	e.wg.Add(1)
	go e.sweepLoop(runCtx, interval)

	e.log.Info("access engine started",
		"instance", e.instance,
		"key_id", e.keys.Current().ID,
		"key_rotation", e.cfg.Security.KeyRotation.Enabled,
	)
	return nil
}

// Close stops background work, waits for pending role writes and drains
// the broker notices and the audit queue until ctx ends.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.roles.Wait()
		if e.notices != nil {
			if nErr := e.notices.Close(ctx); nErr != nil {
				err = fmt.Errorf("draining broker notices: %w", nErr)
			}
		}
		if dErr := e.dispatcher.Close(ctx); dErr != nil {
			err = errors.Join(err, fmt.Errorf("draining audit queue: %w", dErr))
		}
	})
	return err
}

// Metrics returns the engine's Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Instance identifies this process in cross-instance messages.
func (e *Engine) Instance() string {
	return e.instance
}

// SweepStats counts what one sweep removed.
type SweepStats struct {
	RateLimit    int `json:"rate_limit"`
	Devices      int `json:"devices"`
	Activity     int `json:"activity"`
	Restrictions int `json:"restrictions"`
	Tokens       int `json:"tokens"`
	Invitations  int `json:"invitations"`
	Keys         int `json:"keys"`
}

// Sweep evicts expired state from every store.
func (e *Engine) Sweep() SweepStats {
	return SweepStats{
		RateLimit:    e.limiter.Sweep(),
		Devices:      e.devices.Sweep(e.cfg.Security.Activity.DeviceIdle),
		Activity:     e.activity.Sweep(),
		Restrictions: e.restrictions.Sweep(),
		Tokens:       e.tokens.Sweep(),
		Invitations:  e.invitations.Sweep(),
		Keys:         e.keys.Prune(),
	}
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := e.Sweep()
			e.log.Debug("sweep complete",
				"rate_limit", s.RateLimit,
				"devices", s.Devices,
				"activity", s.Activity,
				"restrictions", s.Restrictions,
				"tokens", s.Tokens,
				"invitations", s.Invitations,
				"keys", s.Keys,
			)
		}
	}
}

// audit hands an event to the dispatcher; a full queue is already logged
// there.
func (e *Engine) audit(ctx context.Context, ev audit.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	_ = e.dispatcher.Record(ctx, ev) //nolint:errcheck // dispatcher logs drops
}

func (e *Engine) countEvent(_ context.Context, ev audit.Event) error {
	e.metrics.AuditEvent(string(ev.Type), string(ev.RiskLevel))
	return nil
}

// assessmentRecorder forwards risk assessments to Prometheus and, when
// configured, InfluxDB.
type assessmentRecorder struct {
	metrics   *metrics.Metrics
	telemetry Telemetry
}

func (r assessmentRecorder) RecordAssessment(a risk.Assessment) {
	r.metrics.ObserveRisk(string(a.Level), a.Score, a.Degraded)
	if r.telemetry == nil {
		return
	}
	r.telemetry.WriteRiskAssessment(a.CompanyID, string(a.Level), a.Score, influxdb.RiskFactors{
		Base:     a.Factors.Base,
		Time:     a.Factors.Time,
		Device:   a.Factors.Device,
		Location: a.Factors.Location,
		Behavior: a.Factors.Behavior,
	}, a.Degraded)
}
