// Package dispatcher implements the operator actions that move a clinic's
// queue and publish the call to every surface.
package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/sharedstate"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Announcer receives one enqueue per published call.
type Announcer interface {
	Enqueue(clinicName string, number int)
}

type Options struct {
	// AtomicCounter moves the clinic counter with the store's atomic
	// increment when the backend offers one. Otherwise the counter is read
	// then written, and concurrent operators can lose updates.
	AtomicCounter bool
	HistorySize   int
	Now           func() time.Time
	Logger        *log.Logger
}

type Dispatcher struct {
	state     sharedstate.Client
	counter   sharedstate.Incrementer
	announcer Announcer
	history   *History
	now       func() time.Time
	logger    *log.Logger
	tracer    trace.Tracer
}

// New builds a dispatcher. announcer may be nil when this process does not
// play audio itself.
func New(state sharedstate.Client, announcer Announcer, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	d := &Dispatcher{
		state:     state,
		announcer: announcer,
		history:   NewHistory(opts.HistorySize),
		now:       opts.Now,
		logger:    opts.Logger,
		tracer:    otel.Tracer("qms/caller-service/dispatcher"),
	}
	if opts.AtomicCounter {
		if inc, ok := state.(sharedstate.Incrementer); ok {
			d.counter = inc
		} else {
			d.logger.Warn("atomic counter requested but the state backend has no atomic increment; using read-then-write")
		}
	}
	return d
}

// History returns the latest operations performed through this dispatcher.
func (d *Dispatcher) History() []Entry {
	return d.history.Entries()
}

// ParseNumber converts operator input into a call number.
func ParseNumber(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, validationErr("number %q is not an integer", raw)
	}
	if n < 0 {
		return 0, validationErr("number must not be negative")
	}
	return n, nil
}

func (d *Dispatcher) Advance(ctx context.Context, clinicID string) (models.CurrentCall, error) {
	return d.step(ctx, "advance", clinicID, 1)
}

// Recede calls the previous number. It refuses to go below zero.
func (d *Dispatcher) Recede(ctx context.Context, clinicID string) (models.CurrentCall, error) {
	return d.step(ctx, "recede", clinicID, -1)
}

func (d *Dispatcher) step(ctx context.Context, op, clinicID string, delta int) (call models.CurrentCall, err error) {
	ctx, span := d.startSpan(ctx, op, clinicID)
	defer func() { endSpan(span, call.Number, err) }()

	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return models.CurrentCall{}, err
	}
	now := d.now()

	var number int
	if d.counter != nil {
		value, applied, err := d.counter.Increment(ctx, sharedstate.ClinicPath(clinic.ID), "currentNumber", delta, map[string]any{"lastUpdated": now})
		switch {
		case errors.Is(err, sharedstate.ErrNotFound):
			return models.CurrentCall{}, ErrUnknownClinic
		case err != nil:
			return models.CurrentCall{}, d.storeFailed(op, clinic.ID, storeErr("clinic", err))
		case !applied:
			return models.CurrentCall{}, invalidOp("clinic %s is already at zero", clinic.ID)
		}
		number = value
	} else {
		number = clinic.CurrentNumber + delta
		if number < 0 {
			return models.CurrentCall{}, invalidOp("clinic %s is already at zero", clinic.ID)
		}
		if err := d.writeClinicNumber(ctx, clinic.ID, number, now); err != nil {
			return models.CurrentCall{}, d.storeFailed(op, clinic.ID, err)
		}
	}

	call, err = d.publish(ctx, clinic, number, now)
	if err != nil {
		return models.CurrentCall{}, d.storeFailed(op, clinic.ID, err)
	}
	d.announce(op, call)
	return call, nil
}

// SetCustom jumps the clinic to any non-negative number.
func (d *Dispatcher) SetCustom(ctx context.Context, clinicID string, number int) (call models.CurrentCall, err error) {
	ctx, span := d.startSpan(ctx, "set_custom", clinicID)
	defer func() { endSpan(span, call.Number, err) }()

	if number < 0 {
		return models.CurrentCall{}, validationErr("number must not be negative")
	}
	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return models.CurrentCall{}, err
	}
	now := d.now()
	if err := d.writeClinicNumber(ctx, clinic.ID, number, now); err != nil {
		return models.CurrentCall{}, d.storeFailed("set_custom", clinic.ID, err)
	}
	call, err = d.publish(ctx, clinic, number, now)
	if err != nil {
		return models.CurrentCall{}, d.storeFailed("set_custom", clinic.ID, err)
	}
	d.announce("set_custom", call)
	return call, nil
}

// Repeat re-announces the current number. The call slot is rewritten with
// a fresh timestamp so every display announces again.
func (d *Dispatcher) Repeat(ctx context.Context, clinicID string) (call models.CurrentCall, err error) {
	ctx, span := d.startSpan(ctx, "repeat", clinicID)
	defer func() { endSpan(span, call.Number, err) }()

	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return models.CurrentCall{}, err
	}
	if clinic.CurrentNumber == 0 {
		return models.CurrentCall{}, invalidOp("clinic %s has not called anyone yet", clinic.ID)
	}
	call = models.CurrentCall{
		ClinicID:   clinic.ID,
		ClinicName: clinic.Name,
		Number:     clinic.CurrentNumber,
		Timestamp:  d.now(),
	}
	if err := d.state.Set(ctx, sharedstate.PathDisplayCurrent, call); err != nil {
		return models.CurrentCall{}, d.storeFailed("repeat", clinic.ID, storeErr("display", err))
	}
	d.announce("repeat", call)
	return call, nil
}

// Reset zeroes the clinic and removes the current call slot.
func (d *Dispatcher) Reset(ctx context.Context, clinicID string) (err error) {
	ctx, span := d.startSpan(ctx, "reset", clinicID)
	defer func() { endSpan(span, 0, err) }()

	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return err
	}
	now := d.now()
	if err := d.writeClinicNumber(ctx, clinic.ID, 0, now); err != nil {
		return d.storeFailed("reset", clinic.ID, err)
	}
	if err := d.state.Update(ctx, sharedstate.QueuePath(clinic.ID), map[string]any{
		"currentNumber": 0,
		"lastCalled":    nil,
		"lastUpdated":   now,
	}); err != nil {
		return d.storeFailed("reset", clinic.ID, storeErr("queue", err))
	}
	if err := d.state.Set(ctx, sharedstate.PathDisplayCurrent, nil); err != nil {
		return d.storeFailed("reset", clinic.ID, storeErr("display", err))
	}
	d.history.Add(Entry{Action: "reset", ClinicID: clinic.ID, ClinicName: clinic.Name, At: now})
	d.logger.Info("clinic reset", "clinic", clinic.ID)
	return nil
}

// DisplayCustomMessage shows a free text message on every display.
func (d *Dispatcher) DisplayCustomMessage(ctx context.Context, message string) (msg models.CustomMessage, err error) {
	ctx, span := d.startSpan(ctx, "display_message", "")
	defer func() { endSpan(span, 0, err) }()

	message = strings.TrimSpace(message)
	if message == "" {
		return models.CustomMessage{}, validationErr("message is required")
	}
	msg = models.CustomMessage{Message: message, Timestamp: d.now()}
	if err := d.state.Set(ctx, sharedstate.PathDisplayCustom, msg); err != nil {
		return models.CustomMessage{}, d.storeFailed("display_message", "", storeErr("display", err))
	}
	d.history.Add(Entry{Action: "display_message", Message: message, At: msg.Timestamp})
	return msg, nil
}

// ClearDisplay removes both display slots.
func (d *Dispatcher) ClearDisplay(ctx context.Context) (err error) {
	ctx, span := d.startSpan(ctx, "clear_display", "")
	defer func() { endSpan(span, 0, err) }()

	if err := d.state.Set(ctx, sharedstate.PathDisplayCurrent, nil); err != nil {
		return d.storeFailed("clear_display", "", storeErr("display current", err))
	}
	if err := d.state.Set(ctx, sharedstate.PathDisplayCustom, nil); err != nil {
		return d.storeFailed("clear_display", "", storeErr("display custom", err))
	}
	d.history.Add(Entry{Action: "clear_display", At: d.now()})
	return nil
}

func (d *Dispatcher) loadClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" || strings.Contains(clinicID, "/") {
		return models.Clinic{}, ErrUnknownClinic
	}
	raw, err := d.state.Get(ctx, sharedstate.ClinicPath(clinicID))
	if err != nil {
		return models.Clinic{}, storeErr("read clinic", err)
	}
	clinic, err := sharedstate.Decode[models.Clinic](raw)
	if err != nil {
		return models.Clinic{}, storeErr("read clinic", err)
	}
	if clinic == nil {
		return models.Clinic{}, ErrUnknownClinic
	}
	clinic.ID = clinicID
	return *clinic, nil
}

func (d *Dispatcher) writeClinicNumber(ctx context.Context, clinicID string, number int, now time.Time) error {
	if err := d.state.Update(ctx, sharedstate.ClinicPath(clinicID), map[string]any{
		"currentNumber": number,
		"lastUpdated":   now,
	}); err != nil {
		return storeErr("clinic", err)
	}
	return nil
}

// publish performs the queue and display writes that follow a counter
// change. The first failure abandons the rest.
func (d *Dispatcher) publish(ctx context.Context, clinic models.Clinic, number int, now time.Time) (models.CurrentCall, error) {
	if err := d.state.Update(ctx, sharedstate.QueuePath(clinic.ID), map[string]any{
		"currentNumber": number,
		"lastCalled":    now,
	}); err != nil {
		return models.CurrentCall{}, storeErr("queue", err)
	}
	call := models.CurrentCall{
		ClinicID:   clinic.ID,
		ClinicName: clinic.Name,
		Number:     number,
		Timestamp:  now,
	}
	if err := d.state.Set(ctx, sharedstate.PathDisplayCurrent, call); err != nil {
		return models.CurrentCall{}, storeErr("display", err)
	}
	return call, nil
}

func (d *Dispatcher) announce(op string, call models.CurrentCall) {
	d.history.Add(Entry{
		Action:     op,
		ClinicID:   call.ClinicID,
		ClinicName: call.ClinicName,
		Number:     call.Number,
		At:         call.Timestamp,
	})
	d.logger.Info("call published", "op", op, "clinic", call.ClinicID, "number", call.Number)
	if d.announcer != nil {
		d.announcer.Enqueue(call.ClinicName, call.Number)
	}
}

func (d *Dispatcher) storeFailed(op, clinicID string, err error) error {
	d.logger.Warn("operation abandoned", "op", op, "clinic", clinicID, "err", err)
	return err
}

func (d *Dispatcher) startSpan(ctx context.Context, op, clinicID string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "dispatcher."+op)
	if clinicID != "" {
		span.SetAttributes(attribute.String("clinic.id", clinicID))
	}
	return ctx, span
}

func endSpan(span trace.Span, number int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if number > 0 {
		span.SetAttributes(attribute.Int("call.number", number))
	}
	span.End()
}
