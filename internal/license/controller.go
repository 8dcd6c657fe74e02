package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/kdyw/my-tv/internal/config"
	licenseErrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/infrastructure"
)

// Collaborator is the UI side of the authorization flow. Callbacks are
// invoked one at a time, in order, from a goroutine owned by the
// Controller. They may call SubmitCode, RequestTrial and Close but must not
// call Wait.
type Collaborator interface {
	OnAuthorized(ctx context.Context, grant Grant)
	OnDialogNeeded(ctx context.Context, message string, offerTrial bool)
}

// Verifier classifies a license code. *Client implements it.
type Verifier interface {
	Verify(ctx context.Context, code string) Outcome
}

// ConfigDecrypter opens the configuration payload of an approval.
type ConfigDecrypter interface {
	Decrypt(payload string) (string, error)
}

// Clock supplies trusted time for grants.
type Clock interface {
	Now() time.Time
}

// Grant describes a successful authorization.
type Grant struct {
	Code          string // empty for a trial
	Trial         bool
	RemainingDays int
	Config        *string // nil when absent or undecryptable
	AuthorizedAt  time.Time
	ExpiresAt     time.Time // zero when the server reported no remaining days
}

// Dependencies are the collaborators of a Controller. Decrypter, Clock and
// Metrics are optional.
type Dependencies struct {
	Verifier     Verifier
	Store        CredentialStore
	Decrypter    ConfigDecrypter
	Clock        Clock
	Collaborator Collaborator
	Metrics      *Metrics
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Controller runs the authorization state machine for one session.
type Controller struct {
	verifier  Verifier
	store     CredentialStore
	decrypter ConfigDecrypter
	clock     Clock
	ui        Collaborator
	metrics   *Metrics
	policy    config.ControllerConfig
	limiter   *rate.Limiter
	logger    *slog.Logger

	sm *Machine[State]

	// mu orders outcome handling: a result's store write, state change and
	// callback enqueue happen together, and never after Close.
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	failures       int    // failed attempts this session
	storedCode     string // code found in the store at Start, "" once cleared
	storedFailures int    // consecutive network/protocol failures of storedCode
	exhausted      bool
	grant       *Grant

	authorized chan struct{}
	events     *dispatcher
	wg         sync.WaitGroup
}

// NewController wires a controller. Verifier, Store and Collaborator are
// required.
func NewController(deps Dependencies, policy config.ControllerConfig, logger *slog.Logger) (*Controller, error) {
	if deps.Verifier == nil || deps.Store == nil || deps.Collaborator == nil {
		return nil, errors.New("controller requires a verifier, a store and a collaborator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics()
	}

	limit := rate.Inf
	if policy.AttemptInterval > 0 {
		limit = rate.Every(policy.AttemptInterval)
	}
	burst := policy.AttemptBurst
	if burst < 1 {
		burst = 1
	}

	c := &Controller{
		verifier:   deps.Verifier,
		store:      deps.Store,
		decrypter:  deps.Decrypter,
		clock:      deps.Clock,
		ui:         deps.Collaborator,
		metrics:    deps.Metrics,
		policy:     policy,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With(slog.String("component", "license_controller")),
		authorized: make(chan struct{}),
		events:     newDispatcher(),
	}
	c.sm = NewMachine(StateIdle, controllerTransitions, func(from, to State, name string) {
		c.logger.Debug("State transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("event", name))
	})
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return c.sm.Current()
}

// Start begins the session. A stored code is verified immediately;
// otherwise the collaborator is asked for a code or a trial. Cancelling ctx
// ends the session like Close.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, nil)
}

// StartWithCode begins the session by verifying code in place of the
// stored one. The outcome updates the store exactly as a submitted code
// would.
func (c *Controller) StartWithCode(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	return c.start(ctx, &code)
}

func (c *Controller) start(ctx context.Context, first *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sm.TransitionTo(StateUnverified); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.events.run(c.ctx)
	context.AfterFunc(c.ctx, func() { _ = c.Close() })

	code, err := c.store.Get()
	if err != nil {
		c.metrics.recordStoreError(c.ctx, "get")
		c.logger.WarnContext(c.ctx, "Stored credential unreadable, asking for a new code",
			slog.String("action", "start"),
			slog.String("error", err.Error()))
		code = ""
	}

	c.storedCode = code

	if first != nil {
		c.logger.InfoContext(c.ctx, "Verifying supplied license code",
			slog.String("action", "start"),
			slog.String("license_key", infrastructure.MaskLicenseKey(*first)))
		c.beginLocked(*first)
		return nil
	}

	if code != "" {
		c.logger.InfoContext(c.ctx, "Re-verifying stored license code",
			slog.String("action", "start"),
			slog.String("license_key", infrastructure.MaskLicenseKey(code)))
		c.beginLocked(code)
		return nil
	}

	c.logger.InfoContext(c.ctx, "No stored license code", slog.String("action", "start"))
	c.postDialog(c.ctx, licenseErrors.MsgPrompt, true)
	return nil
}

// SubmitCode verifies a user-entered code. Surrounding whitespace is
// ignored and an empty code requests a trial. It returns immediately; the
// result arrives through the collaborator.
func (c *Controller) SubmitCode(code string) error {
	return c.submit(strings.TrimSpace(code))
}

// RequestTrial is SubmitCode("").
func (c *Controller) RequestTrial() error {
	return c.submit("")
}

func (c *Controller) submit(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return licenseErrors.ErrAttemptsExhausted
	}
	switch cur := c.sm.Current(); cur {
	case StateUnverified:
	case StateVerifying:
		return licenseErrors.ErrVerificationInProgress
	default:
		return fmt.Errorf("%w (state %s)", licenseErrors.ErrNotAwaitingInput, cur)
	}

	c.beginLocked(code)
	return nil
}

// beginLocked moves to Verifying and starts the request. c.mu is held.
func (c *Controller) beginLocked(code string) {
	if _, ok := c.sm.CompareAndTransition(StateUnverified, StateVerifying); !ok {
		return
	}
	c.wg.Add(1)
	go c.run(c.ctx, code)
}

func (c *Controller) run(ctx context.Context, code string) {
	defer c.wg.Done()
	ctx = infrastructure.EnsureTraceID(ctx)

	// Wait fails early when ctx has a deadline shorter than the delay; the
	// attempt then goes ahead unpaced.
	if err := c.limiter.Wait(ctx); err != nil && ctx.Err() != nil {
		c.discard(ctx, code, "pacing interrupted")
		return
	}

	out := c.verifier.Verify(ctx, code)
	c.complete(ctx, code, out)
}

// complete applies an outcome. Results arriving after teardown are dropped
// without touching the store or the collaborator.
func (c *Controller) complete(ctx context.Context, code string, out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil || c.sm.Current() != StateVerifying {
		c.discard(ctx, code, "session closed")
		return
	}

	isStored := code != "" && code == c.storedCode
	if isStored && out.Kind != OutcomeNetworkError && out.Kind != OutcomeProtocolError {
		c.storedFailures = 0
	}

	switch out.Kind {
	case OutcomeApproved:
		c.approveLocked(ctx, code, out)

	case OutcomeRejected:
		c.failures++
		c.storedCode = ""
		if err := c.store.Clear(); err != nil {
			c.metrics.recordStoreError(ctx, "clear")
			c.logger.ErrorContext(ctx, "Failed to clear rejected credential", slog.String("error", err.Error()))
		}
		msg := out.Message
		if msg == "" {
			msg = licenseErrors.MsgRejected
		}
		c.retryLocked(ctx, msg)

	default:
		c.failures++
		if isStored {
			c.storedFailures++
			if c.policy.ClearAfterFailures > 0 && c.storedFailures >= c.policy.ClearAfterFailures {
				c.clearStaleLocked(ctx)
			}
		}
		msg := licenseErrors.MsgRetry
		if out.Kind == OutcomeProtocolError {
			msg = licenseErrors.MsgProtocol
		}
		c.retryLocked(ctx, msg)
	}
}

// clearStaleLocked drops a stored code the server has failed to confirm
// too many times in a row.
func (c *Controller) clearStaleLocked(ctx context.Context) {
	if err := c.store.Clear(); err != nil {
		c.metrics.recordStoreError(ctx, "clear")
		c.logger.ErrorContext(ctx, "Failed to clear stale credential", slog.String("error", err.Error()))
		return
	}
	c.logger.WarnContext(ctx, "Cleared stored credential after repeated verification failures",
		slog.String("action", "clear_stale"),
		slog.Int("failures", c.storedFailures))
	c.storedCode = ""
	c.storedFailures = 0
}

func (c *Controller) approveLocked(ctx context.Context, code string, out Outcome) {
	if code != "" {
		if err := c.store.Put(code); err != nil {
			c.metrics.recordStoreError(ctx, "put")
			c.logger.ErrorContext(ctx, "Failed to persist license code",
				slog.String("license_key", infrastructure.MaskLicenseKey(code)),
				slog.String("error", err.Error()))
		} else {
			c.storedCode = code
		}
	}

	now := c.clock.Now()
	grant := Grant{
		Code:          code,
		Trial:         code == "",
		RemainingDays: out.RemainingDays,
		Config:        c.decryptConfig(ctx, out.EncryptedConfig),
		AuthorizedAt:  now,
	}
	if out.RemainingDays > 0 {
		grant.ExpiresAt = now.Add(time.Duration(out.RemainingDays) * 24 * time.Hour)
	}

	if err := c.sm.TransitionTo(StateAuthorized); err != nil {
		c.logger.ErrorContext(ctx, "Unexpected state on approval", slog.String("error", err.Error()))
		return
	}
	c.grant = &grant
	close(c.authorized)
	c.metrics.recordAuthorization(ctx, grant.Trial)

	c.logger.InfoContext(ctx, "Session authorized",
		slog.String("action", "authorize"),
		slog.Bool("trial", grant.Trial),
		slog.Int("remaining_days", grant.RemainingDays),
		slog.Bool("config", grant.Config != nil))

	c.events.post(func() {
		if c.ctx.Err() == nil {
			c.ui.OnAuthorized(ctx, grant)
		}
	})
}

// decryptConfig is best-effort; failures only withhold the config.
func (c *Controller) decryptConfig(ctx context.Context, payload string) *string {
	if payload == "" {
		return nil
	}
	if c.decrypter == nil {
		c.logger.WarnContext(ctx, "Config payload received but no key is configured")
		return nil
	}
	plain, err := c.decrypter.Decrypt(payload)
	if err != nil {
		c.metrics.DecryptFailures.Add(ctx, 1)
		c.logger.WarnContext(ctx, "Config payload could not be decrypted",
			slog.String("action", "decrypt_config"),
			slog.String("error", err.Error()))
		return nil
	}
	return &plain
}

func (c *Controller) retryLocked(ctx context.Context, msg string) {
	if err := c.sm.TransitionTo(StateUnverified); err != nil {
		c.logger.ErrorContext(ctx, "Unexpected state on retry", slog.String("error", err.Error()))
		return
	}

	if c.policy.MaxAttempts > 0 && c.failures >= c.policy.MaxAttempts {
		c.exhausted = true
		c.logger.WarnContext(ctx, "Verification attempts exhausted",
			slog.String("action", "verify"),
			slog.Int("attempts", c.failures))
		c.postDialog(ctx, msg+"\n"+licenseErrors.MsgExhausted, false)
		return
	}
	c.postDialog(ctx, msg, true)
}

func (c *Controller) postDialog(ctx context.Context, msg string, offerTrial bool) {
	c.events.post(func() {
		if c.ctx.Err() == nil {
			c.ui.OnDialogNeeded(ctx, msg, offerTrial)
		}
	})
}

func (c *Controller) discard(ctx context.Context, code, reason string) {
	c.metrics.DiscardedResults.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	c.logger.DebugContext(ctx, "Verification result discarded",
		slog.String("license_key", infrastructure.MaskLicenseKey(code)),
		slog.String("reason", reason))
}

// Forget removes the stored code. It is refused while a verification is
// in flight so that the outcome of that request cannot race the removal.
func (c *Controller) Forget() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() == StateVerifying {
		return licenseErrors.ErrVerificationInProgress
	}
	if err := c.store.Clear(); err != nil {
		c.metrics.recordStoreError(context.Background(), "clear")
		return fmt.Errorf("forget credential: %w", err)
	}
	c.storedCode = ""
	c.storedFailures = 0
	c.logger.Info("Stored license code removed", slog.String("action", "forget"))
	return nil
}

// Close ends the session. The in-flight request is cancelled, its result
// and any undelivered callbacks are dropped. Close does not wait; use Wait.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.sm.Current() == StateClosed {
		return nil
	}
	return c.sm.TransitionTo(StateClosed)
}

// Wait blocks until no verification is in flight.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Authorized is closed once a grant has been issued.
func (c *Controller) Authorized() <-chan struct{} {
	return c.authorized
}

// AwaitAuthorization blocks until the session is authorized or ctx ends.
func (c *Controller) AwaitAuthorization(ctx context.Context) (Grant, error) {
	select {
	case <-c.authorized:
		c.mu.Lock()
		defer c.mu.Unlock()
		return *c.grant, nil
	case <-ctx.Done():
		return Grant{}, ctx.Err()
	}
}

// dispatcher runs posted callbacks in order on a single goroutine.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}

		select {
		case <-d.wake:
		case <-ctx.Done():
			return
		}
	}
}
