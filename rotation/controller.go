// Package rotation decides rotation policy and drives per-identifier key
// rotation against the key store without disrupting in-flight traffic.
//
// Rotation moves one identifier through Active -> RotationPending ->
// Active(generation+1); the outgoing material is Retired and stays
// decryptable until the data plane releases its last handle on it. Any
// failure before the swap leaves the old material Active: rotation never
// drops below one valid key for a referenced identifier.
package rotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/metrics"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// Defaults for the periodic rotation-need evaluation.
const (
	DefaultSchedule  = "@every 1m"
	DefaultMaxKeyAge = 12 * time.Hour
)

// Policy is the rotation policy snapshot exposed on the operator surface.
// Invariant: Enabled implies Supported.
type Policy struct {
	Supported          bool `json:"supported"`
	Enabled            bool `json:"enabled"`
	InternalEnabled    bool `json:"internal_enabled"`
	CallbackRegistered bool `json:"callback_registered"`
}

// Config wires a rotation controller.
type Config struct {
	Store interfaces.KeyStore
	Flags *interfaces.PropertyFlags
	Log   *slog.Logger

	// CronLog receives the scheduler's own logging; a nop logger when nil.
	CronLog *zap.Logger

	// Schedule is the cron spec for the rotation-need evaluation;
	// DefaultSchedule when empty.
	Schedule string

	// MaxKeyAge is the generation age after which the evaluation rotates a
	// key; DefaultMaxKeyAge when zero.
	MaxKeyAge time.Duration
}

// Controller owns rotation policy and the per-identifier rotation state
// machine. Rotation is serialized per identifier and concurrent across
// distinct identifiers.
type Controller struct {
	interfaces.MasterKeyAuthorization

	variant   variant.DeviceVariant
	store     interfaces.KeyStore
	flags     *interfaces.PropertyFlags
	log       *slog.Logger
	cronLog   *zap.Logger
	schedule  string
	maxKeyAge time.Duration

	mu          sync.Mutex
	inflight    map[interfaces.GlobalKeyID]struct{}
	lastRotated map[interfaces.GlobalKeyID]time.Time
	cron        *cron.Cron
	registered  bool
}

// New builds the controller for the resolved device variant. Rotation
// support defaults to disabled; unsupported variants get a controller whose
// triggers fail ErrRotationNotSupported rather than a hard stub.
func New(v variant.DeviceVariant, cfg Config) *Controller {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	maxAge := cfg.MaxKeyAge
	if maxAge == 0 {
		maxAge = DefaultMaxKeyAge
	}
	cronLog := cfg.CronLog
	if cronLog == nil {
		cronLog = zap.NewNop()
	}

	return &Controller{
		variant:     v,
		store:       cfg.Store,
		flags:       cfg.Flags,
		log:         cfg.Log.With("component", "rotation"),
		cronLog:     cronLog,
		schedule:    schedule,
		maxKeyAge:   maxAge,
		inflight:    make(map[interfaces.GlobalKeyID]struct{}),
		lastRotated: make(map[interfaces.GlobalKeyID]time.Time),
	}
}

// cronLogger adapts the scheduler's logging contract onto zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "err", err)...)
}

// supportedOnVariant is the silicon capability gate: only CC-capable silicon
// in the host-kernel role can rotate.
func (c *Controller) supportedOnVariant() bool {
	return c.variant.IsCCCapable() && c.variant.IsHostKernel()
}

// EnableKeyRotationSupport raises the rotation policy flags from the variant
// capability and the CC-enabled state. Idempotent; a safe no-op on variants
// without rotation.
func (c *Controller) EnableKeyRotationSupport() {
	if !c.supportedOnVariant() {
		return
	}
	c.flags.KeyRotationSupported.Store(true)
	if c.flags.Enabled.Load() {
		c.flags.KeyRotationEnabled.Store(true)
	}
}

// EnableInternalKeyRotationSupport additionally allows the controller to
// rotate kernel-privileged keys on its own schedule. Idempotent.
func (c *Controller) EnableInternalKeyRotationSupport() {
	if !c.supportedOnVariant() || !c.flags.KeyRotationSupported.Load() {
		return
	}
	c.flags.InternalKeyRotationEnabled.Store(true)
}

// EnableKeyRotationCallback registers the periodic rotation-need evaluation.
// No-op when rotation is unsupported; idempotent otherwise.
func (c *Controller) EnableKeyRotationCallback() error {
	if !c.flags.KeyRotationSupported.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	cr := cron.New(cron.WithLogger(cronLogger{s: c.cronLog.Sugar()}))
	if _, err := cr.AddFunc(c.schedule, c.evaluateRotationNeed); err != nil {
		return fmt.Errorf("registering rotation callback: %w", err)
	}
	cr.Start()
	c.cron = cr
	c.registered = true
	c.log.Info("rotation callback registered", "schedule", c.schedule)
	return nil
}

// Stop unregisters the periodic evaluation. In-flight rotations finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
	c.registered = false
}

// Disable lowers the rotation-enabled flags and stops the periodic
// evaluation. Support stays recorded; in-flight rotations finish.
func (c *Controller) Disable() {
	c.flags.KeyRotationEnabled.Store(false)
	c.flags.InternalKeyRotationEnabled.Store(false)
	c.Stop()
}

// PolicySnapshot returns the current policy for the operator surface.
func (c *Controller) PolicySnapshot() Policy {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()

	return Policy{
		Supported:          c.flags.KeyRotationSupported.Load(),
		Enabled:            c.flags.KeyRotationEnabled.Load(),
		InternalEnabled:    c.flags.InternalKeyRotationEnabled.Load(),
		CallbackRegistered: registered,
	}
}

// TriggerKeyRotation rotates every identifier targeted by the scope. A
// failure on one identifier does not stop the others; the joined error is
// returned. Fails ErrRotationNotSupported when policy disallows rotation and
// ErrRotationInProgress when a targeted identifier is already rotating.
func (c *Controller) TriggerKeyRotation(scope Scope) error {
	if !c.flags.KeyRotationEnabled.Load() {
		return fmt.Errorf("rotation on %s: %w", c.variant, interfaces.ErrRotationNotSupported)
	}

	ids, err := c.resolveScope(scope)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := c.rotateOne(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) rotateOne(id interfaces.GlobalKeyID) error {
	c.mu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		metrics.KeyRotationFailuresTotal.WithLabelValues("in_progress").Inc()
		return fmt.Errorf("key %s: %w", id, interfaces.ErrRotationInProgress)
	}
	c.inflight[id] = struct{}{}
	c.mu.Unlock()

	err := c.store.UpdateSecrets(id)

	c.mu.Lock()
	delete(c.inflight, id)
	if err == nil {
		c.lastRotated[id] = time.Now()
	}
	c.mu.Unlock()

	if err != nil {
		metrics.KeyRotationFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		return fmt.Errorf("rotating %s: %w", id, err)
	}
	metrics.KeyRotationsTotal.Inc()
	return nil
}

// evaluateRotationNeed is the periodic hook: it rotates every live key whose
// generation is older than the configured age. Kernel-privileged keys are
// only touched when internal rotation is enabled.
func (c *Controller) evaluateRotationNeed() {
	if !c.flags.KeyRotationEnabled.Load() {
		return
	}

	now := time.Now()
	for _, st := range c.store.Status() {
		if c.store.GlobalKeyIsKernelPriv(st.ID) && !c.flags.InternalKeyRotationEnabled.Load() {
			continue
		}

		c.mu.Lock()
		last, seen := c.lastRotated[st.ID]
		if !seen {
			// First sighting anchors the age clock.
			c.lastRotated[st.ID] = now
			c.mu.Unlock()
			continue
		}
		due := now.Sub(last) >= c.maxKeyAge
		c.mu.Unlock()

		if !due {
			continue
		}
		if err := c.rotateOne(st.ID); err != nil {
			c.log.Warn("scheduled rotation failed", "id", st.ID.String(), "err", err)
		}
	}
}

func (c *Controller) resolveScope(scope Scope) ([]interfaces.GlobalKeyID, error) {
	switch scope.kind {
	case scopeGlobal:
		var ids []interfaces.GlobalKeyID
		for _, st := range c.store.Status() {
			ids = append(ids, st.ID)
		}
		return ids, nil

	case scopeChannel:
		pair, err := c.store.KeyPairByChannel(scope.channel)
		if err != nil {
			return nil, err
		}
		return []interfaces.GlobalKeyID{pair.Encrypt, pair.Decrypt}, nil

	case scopeKeySpace:
		owner, err := c.store.EngineIDFromKeySpace(scope.space)
		if err != nil {
			return nil, err
		}
		if owner != scope.engine {
			return nil, fmt.Errorf("key space %s not owned by %s: %w", scope.space, scope.engine, interfaces.ErrInvalidIdentifier)
		}
		var ids []interfaces.GlobalKeyID
		for _, st := range c.store.Status() {
			if st.ID.Space == scope.space {
				ids = append(ids, st.ID)
			}
		}
		return ids, nil

	default:
		return nil, fmt.Errorf("unknown rotation scope: %w", interfaces.ErrInvalidIdentifier)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return "not_found"
	case errors.Is(err, interfaces.ErrNoSession):
		return "no_session"
	case errors.Is(err, interfaces.ErrDerivationFailed):
		return "derivation_failed"
	case errors.Is(err, interfaces.ErrUnsupportedOperation):
		return "unsupported"
	default:
		return "other"
	}
}
