package dispatch

import (
	"context"
	"errors"
	"fmt"

	"darko/pkg/protocol"
)

// Actuator performs a command on the controlled device.
type Actuator interface {
	Invoke(ctx context.Context, command string) error
}

type ActuatorFunc func(ctx context.Context, command string) error

func (f ActuatorFunc) Invoke(ctx context.Context, command string) error { return f(ctx, command) }

// invoke treats a nil actuator as a silent no-op.
func invoke(ctx context.Context, a Actuator, command string) error {
	if a == nil {
		return nil
	}
	return a.Invoke(ctx, command)
}

type Transmitter interface {
	Transmit(v any) error
}

// ProtocolActuator sends every command as a TO:VERB:NOUN:word...:SHARD
// frame, one argument per word.
type ProtocolActuator struct {
	tr   Transmitter
	to   string
	verb string
	noun string
}

func NewProtocolActuator(tr Transmitter, to, verb, noun string) (*ProtocolActuator, error) {
	if tr == nil {
		return nil, errors.New("nil transmitter")
	}
	probe := protocol.Message{To: to, Verb: verb, Noun: noun, From: "X"}
	if _, err := protocol.Parse(probe.String()); err != nil {
		return nil, fmt.Errorf("invalid actuator frame: %w", err)
	}
	return &ProtocolActuator{tr: tr, to: to, verb: verb, noun: noun}, nil
}

func (a *ProtocolActuator) Invoke(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := protocol.Args(command)
	if len(args) == 0 {
		return nil
	}
	return a.tr.Transmit(protocol.Message{To: a.to, Verb: a.verb, Noun: a.noun, Args: args})
}
