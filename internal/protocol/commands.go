package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"consult-system/internal/status"
)

type CommandType string

const (
	CmdJoinConsultation   CommandType = "join-consultation"
	CmdLeaveConsultation  CommandType = "leave-consultation"
	CmdMessageSend        CommandType = "message-send"
	CmdTypingStart        CommandType = "typing-start"
	CmdTypingStop         CommandType = "typing-stop"
	CmdMessageRead        CommandType = "message-read"
	CmdMessageEdit        CommandType = "message-edit"
	CmdMessageDelete      CommandType = "message-delete"
	CmdExtendSession      CommandType = "extend-session"
	CmdWalletBalanceCheck CommandType = "wallet-balance-check"
)

const MaxMessageLength = 4000

type DeleteScope string

const (
	DeleteForMe  DeleteScope = "me"
	DeleteForAll DeleteScope = "all"
)

// Command is one inbound socket command. The set of implementations is closed.
type Command interface {
	Type() CommandType
	Consultation() string
	validate() error
}

type base struct {
	ConsultationID string `json:"-"`
}

func (b base) Consultation() string { return b.ConsultationID }

type JoinConsultation struct{ base }
type LeaveConsultation struct{ base }
type TypingStart struct{ base }
type TypingStop struct{ base }
type WalletBalanceCheck struct{ base }

type MessageSend struct {
	base
	Text      string `json:"text"`
	ClientRef string `json:"client_ref,omitempty"`
}

type MessageRead struct {
	base
	MessageID string `json:"message_id"`
}

type MessageEdit struct {
	base
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type MessageDelete struct {
	base
	MessageID string      `json:"message_id"`
	Scope     DeleteScope `json:"scope"`
}

type ExtendSession struct {
	base
	Minutes int `json:"minutes"`
}

func (JoinConsultation) Type() CommandType   { return CmdJoinConsultation }
func (LeaveConsultation) Type() CommandType  { return CmdLeaveConsultation }
func (TypingStart) Type() CommandType        { return CmdTypingStart }
func (TypingStop) Type() CommandType         { return CmdTypingStop }
func (WalletBalanceCheck) Type() CommandType { return CmdWalletBalanceCheck }
func (MessageSend) Type() CommandType        { return CmdMessageSend }
func (MessageRead) Type() CommandType        { return CmdMessageRead }
func (MessageEdit) Type() CommandType        { return CmdMessageEdit }
func (MessageDelete) Type() CommandType      { return CmdMessageDelete }
func (ExtendSession) Type() CommandType      { return CmdExtendSession }

func (JoinConsultation) validate() error   { return nil }
func (LeaveConsultation) validate() error  { return nil }
func (TypingStart) validate() error        { return nil }
func (TypingStop) validate() error         { return nil }
func (WalletBalanceCheck) validate() error { return nil }

func (c MessageSend) validate() error {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return fmt.Errorf("%w: text is required", status.ErrMalformedCommand)
	}
	if len(c.Text) > MaxMessageLength {
		return fmt.Errorf("%w: text exceeds %d bytes", status.ErrMalformedCommand, MaxMessageLength)
	}
	return nil
}

func (c MessageRead) validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", status.ErrMalformedCommand)
	}
	return nil
}

func (c MessageEdit) validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", status.ErrMalformedCommand)
	}
	return MessageSend{Text: c.Text}.validate()
}

func (c MessageDelete) validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", status.ErrMalformedCommand)
	}
	if c.Scope != DeleteForMe && c.Scope != DeleteForAll {
		return fmt.Errorf("%w: scope must be %q or %q", status.ErrMalformedCommand, DeleteForMe, DeleteForAll)
	}
	return nil
}

func (c ExtendSession) validate() error {
	if c.Minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", status.ErrMalformedCommand)
	}
	return nil
}

type envelope struct {
	Type           CommandType     `json:"type"`
	ConsultationID string          `json:"consultation_id"`
	Data           json.RawMessage `json:"data,omitempty"`
}

var decoders = map[CommandType]func(b base, data json.RawMessage) (Command, error){
	CmdJoinConsultation:   func(b base, _ json.RawMessage) (Command, error) { return JoinConsultation{b}, nil },
	CmdLeaveConsultation:  func(b base, _ json.RawMessage) (Command, error) { return LeaveConsultation{b}, nil },
	CmdTypingStart:        func(b base, _ json.RawMessage) (Command, error) { return TypingStart{b}, nil },
	CmdTypingStop:         func(b base, _ json.RawMessage) (Command, error) { return TypingStop{b}, nil },
	CmdWalletBalanceCheck: func(b base, _ json.RawMessage) (Command, error) { return WalletBalanceCheck{b}, nil },
	CmdMessageSend: func(b base, data json.RawMessage) (Command, error) {
		c := MessageSend{}
		err := strictUnmarshal(data, &c)
		c.base = b
		return c, err
	},
	CmdMessageRead: func(b base, data json.RawMessage) (Command, error) {
		c := MessageRead{}
		err := strictUnmarshal(data, &c)
		c.base = b
		return c, err
	},
	CmdMessageEdit: func(b base, data json.RawMessage) (Command, error) {
		c := MessageEdit{}
		err := strictUnmarshal(data, &c)
		c.base = b
		return c, err
	},
	CmdMessageDelete: func(b base, data json.RawMessage) (Command, error) {
		c := MessageDelete{}
		err := strictUnmarshal(data, &c)
		c.base = b
		return c, err
	},
	CmdExtendSession: func(b base, data json.RawMessage) (Command, error) {
		c := ExtendSession{}
		err := strictUnmarshal(data, &c)
		c.base = b
		return c, err
	},
}

// Decode parses one inbound frame. Unknown types and malformed payloads are
// rejected here so nothing loosely typed reaches the router.
func Decode(raw []byte) (Command, error) {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, err
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", status.ErrUnknownCommand, env.Type)
	}
	if env.ConsultationID == "" {
		return nil, fmt.Errorf("%w: consultation_id is required", status.ErrMalformedCommand)
	}

	cmd, err := decode(base{ConsultationID: env.ConsultationID}, env.Data)
	if err != nil {
		return nil, err
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func strictUnmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", status.ErrMalformedCommand, err)
	}
	return nil
}
