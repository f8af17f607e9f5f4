package packet

import (
	"encoding/json"
	"fmt"
)

// Command is the control command carried by an OPERATION packet.
type Command string

const (
	CommandPing  Command = "ping"
	CommandPong  Command = "pong"
	CommandError Command = "error"
	CommandOff   Command = "off"
)

// Operation is the payload of an OPERATION packet.
type Operation struct {
	Command Command         `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// HeartbeatArgs correlates a PING with its PONG.
type HeartbeatArgs struct {
	ID uint32 `json:"id"`
}

// ErrorArgs carries the reason of an ERROR command.
type ErrorArgs struct {
	Message string `json:"message"`
}

// NewOperation creates an OPERATION packet for cmd with the given args.
func NewOperation(cmd Command, args any) (*Packet, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("packet:operation - failed to encode %s args: %w", cmd, err)
		}
		raw = b
	}
	return New(OpOperation, "", Operation{Command: cmd, Args: raw})
}

// Operation decodes the payload of an OPERATION packet.
func (p *Packet) Operation() (*Operation, error) {
	if p.Opcode != OpOperation {
		return nil, fmt.Errorf("packet:operation - opcode %s is not an operation", p.Opcode)
	}
	var op Operation
	if err := json.Unmarshal(p.Payload, &op); err != nil {
		return nil, fmt.Errorf("packet:operation - invalid operation payload: %w", err)
	}
	return &op, nil
}

// DecodeArgs unmarshals the command arguments into v.
func (o *Operation) DecodeArgs(v any) error {
	if len(o.Args) == 0 {
		return nil
	}
	return json.Unmarshal(o.Args, v)
}
