package correlator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/telemetry"
)

type Options struct {
	Sessions       domain.SessionLookup
	Pending        *PendingSet
	DefaultTimeout time.Duration
	Metrics        domain.Metrics
	Logger         *zap.Logger
	NewRequestID   func() string
}

// Correlator turns a send over a session connection plus a later inbound
// result frame into one blocking call.
type Correlator struct {
	sessions       domain.SessionLookup
	pending        *PendingSet
	metrics        domain.Metrics
	logger         *zap.Logger
	newID          func() string
	defaultTimeout atomic.Int64
}

func New(opts Options) (*Correlator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session lookup is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pending := opts.Pending
	if pending == nil {
		pending = NewPendingSet()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	newID := opts.NewRequestID
	if newID == nil {
		newID = uuid.NewString
	}
	c := &Correlator{
		sessions: opts.Sessions,
		pending:  pending,
		metrics:  metrics,
		logger:   logger.Named("correlator"),
		newID:    newID,
	}
	c.SetDefaultTimeout(opts.DefaultTimeout)
	return c, nil
}

// SetDefaultTimeout changes the timeout used by calls that do not carry one.
func (c *Correlator) SetDefaultTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	c.defaultTimeout.Store(int64(timeout))
}

func (c *Correlator) DefaultTimeout() time.Duration {
	return time.Duration(c.defaultTimeout.Load())
}

// Pending reports the number of calls awaiting a result.
func (c *Correlator) Pending() int {
	return c.pending.Len()
}

// Invoke sends toolName to the browser bound to sessionID and waits for its
// result, the timeout or ctx, whichever comes first.
func (c *Correlator) Invoke(ctx context.Context, sessionID, toolName string, arguments json.RawMessage, timeout time.Duration) (domain.CallResult, error) {
	start := time.Now()
	requestID := c.newID()

	conn, err := c.sessions.Lookup(sessionID)
	if err != nil {
		c.observe(domain.CallOutcomeSessionNotFound, start)
		return domain.CallResult{}, err
	}
	if timeout <= 0 {
		timeout = c.DefaultTimeout()
	}
	if len(bytes.TrimSpace(arguments)) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	call := domain.PendingCall{
		RequestID:  requestID,
		SessionID:  sessionID,
		Generation: conn.Generation,
		ToolName:   toolName,
		Arguments:  arguments,
		CreatedAt:  start,
	}
	resultCh, ok := c.pending.Add(call)
	if !ok {
		return domain.CallResult{}, domain.E(domain.CodeInternal, "correlator.invoke", "duplicate request id "+requestID, nil)
	}
	c.metrics.SetPendingCalls(c.pending.Len())

	logger := telemetry.LoggerWithRequest(ctx, c.logger).With(
		telemetry.CallIDField(requestID),
		telemetry.SessionIDField(sessionID),
		telemetry.ToolField(toolName),
	)
	logger.Debug("call sent", telemetry.EventField(telemetry.EventCallStart), telemetry.GenerationField(conn.Generation))

	frame := domain.InvokeFrame{
		Type:      domain.FrameInvokeTool,
		RequestID: requestID,
		ToolName:  toolName,
		Arguments: arguments,
	}
	if err := conn.Handle.Send(ctx, frame); err != nil {
		if !c.pending.Remove(requestID) {
			// Already resolved, typically by a disconnect racing the send.
			return c.finish(logger, start, timeout, <-resultCh)
		}
		c.metrics.SetPendingCalls(c.pending.Len())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.finish(logger, start, timeout, contextOutcome(ctxErr))
		}
		if errors.Is(err, domain.ErrConnectionClosed) {
			c.observe(domain.CallOutcomeSessionNotFound, start)
			return domain.CallResult{}, domain.E(domain.CodeNotFound, "correlator.invoke", "session "+sessionID+" disconnected", fmt.Errorf("%w: %w", domain.ErrSessionNotFound, err))
		}
		c.observe(domain.CallOutcomeSendFailed, start)
		logger.Warn("call send failed", zap.Error(err))
		return domain.CallResult{}, domain.Wrap(domain.CodeUnavailable, "correlator.invoke", fmt.Errorf("send invoke frame: %w", err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome domain.CallOutcome
	select {
	case outcome = <-resultCh:
	case <-timer.C:
		outcome = c.abandon(requestID, resultCh, domain.CallOutcome{Status: domain.CallStatusTimedOut})
	case <-ctx.Done():
		outcome = c.abandon(requestID, resultCh, contextOutcome(ctx.Err()))
	}
	return c.finish(logger, start, timeout, outcome)
}

// contextOutcome maps the end of the caller's context to a call outcome.
func contextOutcome(err error) domain.CallOutcome {
	status := domain.CallStatusCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		status = domain.CallStatusTimedOut
	}
	return domain.CallOutcome{Status: status, Err: err}
}

// abandon removes the call on behalf of the waiter. If a resolver won the
// race, its outcome is already on its way and takes precedence.
func (c *Correlator) abandon(requestID string, resultCh <-chan domain.CallOutcome, local domain.CallOutcome) domain.CallOutcome {
	if c.pending.Remove(requestID) {
		c.metrics.SetPendingCalls(c.pending.Len())
		return local
	}
	return <-resultCh
}

func (c *Correlator) finish(logger *zap.Logger, start time.Time, timeout time.Duration, outcome domain.CallOutcome) (domain.CallResult, error) {
	c.metrics.SetPendingCalls(c.pending.Len())
	var (
		result  domain.CallResult
		err     error
		metric  domain.CallMetricOutcome
		message string
	)
	switch outcome.Status {
	case domain.CallStatusFulfilled:
		result, metric, message = outcome.Result, domain.CallOutcomeSuccess, "call fulfilled"
	case domain.CallStatusFailed:
		err, metric, message = outcome.Err, domain.CallOutcomeRemoteError, "call failed remotely"
	case domain.CallStatusTimedOut:
		cause := domain.ErrTimeout
		if outcome.Err != nil {
			cause = fmt.Errorf("%w: %w", domain.ErrTimeout, outcome.Err)
		}
		err = domain.E(domain.CodeDeadlineExceeded, "correlator.invoke", fmt.Sprintf("no result within %s", timeout), cause)
		metric, message = domain.CallOutcomeTimeout, "call timed out"
	case domain.CallStatusCanceled:
		cause := domain.ErrCanceled
		if outcome.Err != nil {
			cause = fmt.Errorf("%w: %w", domain.ErrCanceled, outcome.Err)
		}
		err = domain.E(domain.CodeCanceled, "correlator.invoke", "call canceled", cause)
		metric, message = domain.CallOutcomeCanceled, "call canceled"
	case domain.CallStatusSessionGone:
		err = outcome.Err
		if err == nil {
			err = domain.E(domain.CodeNotFound, "correlator.invoke", "session disconnected", domain.ErrSessionNotFound)
		}
		metric, message = domain.CallOutcomeSessionNotFound, "call lost its session"
	default:
		err = domain.E(domain.CodeInternal, "correlator.invoke", fmt.Sprintf("unknown call status %q", outcome.Status), nil)
		metric, message = domain.CallOutcomeSendFailed, "call ended in unknown state"
	}
	c.observe(metric, start)
	logger.Debug(message,
		telemetry.EventField(telemetry.EventCallResolved),
		telemetry.OutcomeField(string(metric)),
		telemetry.DurationField(time.Since(start)),
	)
	return result, err
}

func (c *Correlator) observe(outcome domain.CallMetricOutcome, start time.Time) {
	c.metrics.ObserveCall(outcome, time.Since(start))
}

// Dispatch routes an inbound result frame to the waiting call. Frames for
// unknown ids, or for calls bound to another session or generation, are
// dropped and reported as false.
func (c *Correlator) Dispatch(sessionID string, generation uint64, frame domain.ResultFrame) bool {
	outcome := domain.CallOutcome{Status: domain.CallStatusFulfilled}
	if frame.Success {
		outcome.Result = domain.CallResult{RequestID: frame.RequestID, Payload: frame.Result, Success: true}
	} else {
		outcome.Status = domain.CallStatusFailed
		outcome.Err = &domain.RemoteError{RequestID: frame.RequestID, Message: frame.Error}
	}
	_, ok := c.pending.Resolve(frame.RequestID, func(call domain.PendingCall) bool {
		return call.SessionID == sessionID && call.Generation == generation
	}, outcome)
	if ok {
		return true
	}
	if call, exists := c.pending.Get(frame.RequestID); exists {
		c.logger.Warn("dropping result from foreign session",
			telemetry.EventField(telemetry.EventCallDropped),
			telemetry.CallIDField(frame.RequestID),
			telemetry.SessionIDField(sessionID),
			telemetry.GenerationField(generation),
			zap.String("ownerSessionID", call.SessionID),
			zap.Uint64("ownerGeneration", call.Generation),
		)
		return false
	}
	c.logger.Debug("dropping result with no pending call",
		telemetry.EventField(telemetry.EventCallDropped),
		telemetry.CallIDField(frame.RequestID),
		telemetry.SessionIDField(sessionID),
	)
	return false
}

// FailSession resolves every call bound to the given session generation with
// a session-not-found error.
func (c *Correlator) FailSession(sessionID string, generation uint64) int {
	outcome := domain.CallOutcome{
		Status: domain.CallStatusSessionGone,
		Err:    domain.E(domain.CodeNotFound, "correlator.invoke", "session "+sessionID+" disconnected", domain.ErrSessionNotFound),
	}
	failed := c.pending.ResolveWhere(func(call domain.PendingCall) bool {
		return call.SessionID == sessionID && call.Generation == generation
	}, outcome)
	if failed > 0 {
		c.metrics.SetPendingCalls(c.pending.Len())
		c.logger.Info("failed pending calls of closed session",
			telemetry.SessionIDField(sessionID),
			telemetry.GenerationField(generation),
			zap.Int("calls", failed),
		)
	}
	return failed
}

// OnSessionEvent fails calls bound to a connection the registry no longer
// routes to.
func (c *Correlator) OnSessionEvent(event domain.SessionEvent) {
	switch event.Kind {
	case domain.SessionReplaced, domain.SessionUnregistered:
		c.FailSession(event.Previous.ID, event.Previous.Generation)
	}
}

var _ domain.CallInvoker = (*Correlator)(nil)
var _ domain.SessionListener = (*Correlator)(nil)
