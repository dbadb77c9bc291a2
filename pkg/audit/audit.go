// Package audit records every command the fleet runs on a remote host.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/fleetbridge/internal/lg"
)

// Event is one executed command. Command is the command as the operator
// issued it, before elevation, with any occurrence of the secret redacted.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Time     time.Time `json:"time"`
	Identity string    `json:"identity"`
	Target   string    `json:"target"`
	Command  string    `json:"command"`
	Elevated bool      `json:"elevated"`
	Section  []string  `json:"section"`
}

func NewEvent(identity, target, command string, elevated bool, section []string) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now().UTC(),
		Identity: identity,
		Target:   target,
		Command:  command,
		Elevated: elevated,
		Section:  append([]string(nil), section...),
	}
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// LogRecorder writes events to the structured log.
type LogRecorder struct {
	lg lg.Logger
}

func NewLogRecorder(logger lg.Logger) *LogRecorder {
	if logger == nil {
		logger = lg.Discard
	}
	return &LogRecorder{lg: logger}
}

func (r *LogRecorder) Record(_ context.Context, ev Event) error {
	r.lg.Info("command executed",
		lg.String("audit_id", ev.ID.String()),
		lg.String("identity", ev.Identity),
		lg.String("target", ev.Target),
		lg.String("command", ev.Command),
		lg.Bool("elevated", ev.Elevated),
		lg.Strings("section", ev.Section),
	)
	return nil
}

type multi []Recorder

// Multi fans an event out to every recorder and joins their errors.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

func (m multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
