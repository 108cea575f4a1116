package nlu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"darko/pkg/protocol"
)

var (
	ErrUnknownIntent = errors.New("unknown intent")
	ErrUnknownDevice = errors.New("unknown device")
)

// Device maps a canonical device id to the shard and noun that control it.
type Device struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Shard   string   `yaml:"shard"`
	Noun    string   `yaml:"noun"`
}

type Transceiver interface {
	TransmitReceive(ctx context.Context, v any) (*protocol.Message, error)
}

// Frame builds the actuator frame for res. The sender is filled in on transmit.
func Frame(res Result, devices []Device) (protocol.Message, error) {
	var verb string
	var args []string
	switch res.Intent {
	case "turn_on":
		verb = "ON"
	case "turn_off":
		verb = "OFF"
	case "stop":
		verb = "STOP"
	case "set_brightness":
		verb = "SET"
		n, ok := number(res.Entities["brightness"])
		if !ok {
			return protocol.Message{}, errors.New("set_brightness without brightness")
		}
		args = []string{strconv.Itoa(max(0, min(255, n)))}
	case "set_mode":
		verb = "MODE"
		mode, _ := res.Entities["mode"].(string)
		if args = protocol.Args(mode); len(args) == 0 {
			return protocol.Message{}, errors.New("set_mode without mode")
		}
	case "set_time":
		verb = "TIME"
		when, _ := res.Entities["time"].(string)
		args = protocol.Args(when)
	default:
		return protocol.Message{}, fmt.Errorf("%w: %q", ErrUnknownIntent, res.Intent)
	}

	name := res.Device()
	for _, d := range devices {
		if d.Name == name {
			return protocol.Message{To: d.Shard, Verb: verb, Noun: d.Noun, Args: args}, nil
		}
	}
	return protocol.Message{}, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n)), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// Dispatch sends the frame for res and returns the actuator's reply.
func Dispatch(ctx context.Context, tr Transceiver, res Result, devices []Device) (string, error) {
	msg, err := Frame(res, devices)
	if err != nil {
		return "", err
	}

	reply, err := tr.TransmitReceive(ctx, msg)
	if err != nil {
		return "", err
	}
	if reply.IsError() {
		return "", fmt.Errorf("actuator refused %s: %s", msg.Verb, reply.String())
	}
	return reply.String(), nil
}
