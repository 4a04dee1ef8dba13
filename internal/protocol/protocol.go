// Package protocol implements the control-plane JSON command codec
// (spec.md §4.2, C6): a tagged-by-cmd envelope, a read-only registry built
// at init mapping cmd → parser, and the reply/done helpers every command
// handler uses.
//
// REDESIGN FLAGS (spec.md §9): this replaces a string-switch dispatcher and
// a deep class hierarchy of command types with a registry of parser funcs
// and a flat set of typed structs, one per cmd.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Status is the universal acknowledgment vocabulary (spec.md §4.2).
type Status string

const (
	StatusOK             Status = "OK"
	StatusCMError        Status = "CM_ERROR"
	StatusMissedParam    Status = "MISSED_PARAM"
	StatusNotSupported   Status = "NOT_SUPPORTED"
	StatusSystemError    Status = "SYSTEM_ERROR"
	StatusInvalidParam   Status = "INVALID_PARAM"
)

// Header carries the four wire-mandatory/optional envelope fields common to
// every command.
type Header struct {
	Cmd   string `json:"cmd"`
	MsgID int64  `json:"msgid"`
	RefID int64  `json:"refid,omitempty"`
	CamID string `json:"cam_id,omitempty"`
}

// Command is implemented by every typed command struct.
type Command interface {
	Header() Header
}

// baseCommand is embedded by typed commands to satisfy Command.
type baseCommand struct {
	Hdr Header `json:"-"`
}

func (b baseCommand) Header() Header { return b.Hdr }

// parseFunc unmarshals a raw frame (already known to carry this cmd) into a
// typed Command.
type parseFunc func(hdr Header, raw json.RawMessage) (Command, error)

var registry = map[string]parseFunc{}

// register is called from init() in commands.go (and in this file) for
// every known command.
func register(cmd string, fn parseFunc) {
	registry[cmd] = fn
}

// UnknownCommand is returned by Parse for a cmd with no registered parser.
type UnknownCommand struct {
	baseCommand
	Raw json.RawMessage
}

// Parse decodes a wire frame, dispatching on its cmd field to the
// registered parser. An unrecognized cmd yields an UnknownCommand and a nil
// error; the caller is expected to reply with Done(StatusNotSupported).
func Parse(data []byte) (Command, error) {
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if hdr.Cmd == "" {
		return nil, fmt.Errorf("protocol: missing cmd field")
	}
	fn, ok := registry[hdr.Cmd]
	if !ok {
		slog.Warn("protocol: unknown cmd", "cmd", hdr.Cmd, "msgid", hdr.MsgID)
		return UnknownCommand{baseCommand: baseCommand{Hdr: hdr}, Raw: json.RawMessage(data)}, nil
	}
	return fn(hdr, json.RawMessage(data))
}

// Marshal serializes a command back to its wire JSON form.
func Marshal(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Reply builds the Header for a response to orig: refid is set to orig's
// msgid, cam_id is inherited, and msgid is assigned by the caller's ID
// source (a new outbound message always gets a fresh msgid).
func Reply(orig Command, newMsgID int64, newCmd string) Header {
	h := orig.Header()
	return Header{
		Cmd:   newCmd,
		MsgID: newMsgID,
		RefID: h.MsgID,
		CamID: h.CamID,
	}
}

// DoneCmd is the universal acknowledgment.
type DoneCmd struct {
	baseCommand
	Status Status `json:"status"`
}

func (d DoneCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Status Status `json:"status"`
	}
	return json.Marshal(wire{Header: d.Hdr, Status: d.Status})
}

// Done builds the universal acknowledgment for orig with the given status.
func Done(orig Command, newMsgID int64, status Status) DoneCmd {
	return DoneCmd{baseCommand: baseCommand{Hdr: Reply(orig, newMsgID, "done")}, Status: status}
}

func init() {
	register("done", func(hdr Header, raw json.RawMessage) (Command, error) {
		var w struct {
			Status Status `json:"status"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return DoneCmd{baseCommand: baseCommand{Hdr: hdr}, Status: w.Status}, nil
	})
}
