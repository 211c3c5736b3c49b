package realtime

import (
	"context"

	"consult-system/internal/protocol"
	"consult-system/internal/status"
	"consult-system/models"

	"github.com/google/uuid"
)

type scope int

const (
	toSender scope = iota
	toRoom
	toRoomOthers
	toUser
	toMirror
)

type delivery struct {
	scope  scope
	target string
	ev     protocol.Event
}

// handlerFunc turns one command from one client into the events to deliver.
// A returned error becomes a command-rejected frame for the sender.
type handlerFunc func(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error)

func (r *Router) dispatchTable() map[protocol.CommandType]handlerFunc {
	return map[protocol.CommandType]handlerFunc{
		protocol.CmdJoinConsultation:   r.handleJoin,
		protocol.CmdLeaveConsultation:  r.handleLeave,
		protocol.CmdMessageSend:        r.handleMessageSend,
		protocol.CmdTypingStart:        r.handleTyping,
		protocol.CmdTypingStop:         r.handleTyping,
		protocol.CmdMessageRead:        r.handleMessageRead,
		protocol.CmdMessageEdit:        r.handleMessageEdit,
		protocol.CmdMessageDelete:      r.handleMessageDelete,
		protocol.CmdExtendSession:      r.handleExtend,
		protocol.CmdWalletBalanceCheck: r.handleWalletBalance,
	}
}

func (r *Router) handleJoin(_ context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	id := cmd.Consultation()
	if err := r.engine.Authorize(id, c.session.UserID, c.session.Admin); err != nil {
		return nil, err
	}
	r.join(c, id)

	snapshot, err := r.engine.TimeLeft(id)
	if err != nil {
		return nil, err
	}
	return []delivery{{scope: toSender, ev: snapshot}}, nil
}

func (r *Router) handleLeave(_ context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	r.leave(c, cmd.Consultation())
	return nil, nil
}

func (r *Router) handleMessageSend(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	send := cmd.(protocol.MessageSend)
	consultation, err := r.roomFor(c, send.Consultation())
	if err != nil {
		return nil, err
	}
	if !consultation.Status.Live() {
		return nil, status.ErrSessionNotLive
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConsultationID: consultation.ID,
		SenderID:       c.session.UserID,
		Text:           send.Text,
		CreatedAt:      r.now(),
		HiddenFor:      map[string]bool{},
		ReadBy:         map[string]bool{},
	}
	if err := r.store.PersistMessage(ctx, msg); err != nil {
		return nil, err
	}

	ev := protocol.NewEvent(protocol.EvtNewMessage, consultation.ID, protocol.NewMessage{
		Message:   msg,
		ClientRef: send.ClientRef,
	}, msg.CreatedAt)
	return []delivery{
		{scope: toRoom, target: consultation.ID, ev: ev},
		{scope: toMirror, target: counterpart(consultation, c.session.UserID), ev: ev},
	}, nil
}

func (r *Router) handleTyping(_ context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	if _, err := r.roomFor(c, cmd.Consultation()); err != nil {
		return nil, err
	}
	t := protocol.EvtTypingStart
	if cmd.Type() == protocol.CmdTypingStop {
		t = protocol.EvtTypingStop
	}
	ev := protocol.NewEvent(t, cmd.Consultation(), protocol.Typing{UserID: c.session.UserID}, r.now())
	return []delivery{{scope: toRoomOthers, target: cmd.Consultation(), ev: ev}}, nil
}

func (r *Router) handleMessageRead(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	read := cmd.(protocol.MessageRead)
	if _, err := r.roomFor(c, read.Consultation()); err != nil {
		return nil, err
	}
	msg, err := r.message(ctx, read.Consultation(), read.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == c.session.UserID || msg.ReadBy[c.session.UserID] {
		return nil, nil
	}

	msg.ReadBy[c.session.UserID] = true
	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	ev := protocol.NewEvent(protocol.EvtMessageRead, msg.ConsultationID, protocol.ReadReceipt{
		MessageID: msg.ID,
		UserID:    c.session.UserID,
	}, r.now())
	return []delivery{{scope: toRoom, target: msg.ConsultationID, ev: ev}}, nil
}

func (r *Router) handleMessageEdit(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	edit := cmd.(protocol.MessageEdit)
	fail := func(err error) ([]delivery, error) {
		return []delivery{{scope: toSender, ev: protocol.NewEvent(protocol.EvtMessageEditFailed, edit.Consultation(), protocol.CommandFailed{
			Command:   edit.Type(),
			MessageID: edit.MessageID,
			Reason:    err.Error(),
		}, r.now())}}, nil
	}

	if _, err := r.roomFor(c, edit.Consultation()); err != nil {
		return fail(err)
	}
	msg, err := r.message(ctx, edit.Consultation(), edit.MessageID)
	if err != nil {
		return fail(err)
	}
	if msg.SenderID != c.session.UserID {
		return fail(status.ErrUnauthorizedCommand)
	}
	if msg.DeletedForAll {
		return fail(status.ErrMessageNotFound)
	}
	now := r.now()
	if now.Sub(msg.CreatedAt) > r.cfg.EditWindow {
		return fail(status.ErrEditWindowClosed)
	}

	msg.Text = edit.Text
	msg.EditedAt = &now
	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return fail(err)
	}
	ev := protocol.NewEvent(protocol.EvtMessageEdited, msg.ConsultationID, protocol.MessageEdited{
		MessageID: msg.ID,
		Text:      msg.Text,
		EditedAt:  now,
	}, now)
	return []delivery{{scope: toRoom, target: msg.ConsultationID, ev: ev}}, nil
}

func (r *Router) handleMessageDelete(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	del := cmd.(protocol.MessageDelete)
	fail := func(err error) ([]delivery, error) {
		return []delivery{{scope: toSender, ev: protocol.NewEvent(protocol.EvtMessageDeleteFailed, del.Consultation(), protocol.CommandFailed{
			Command:   del.Type(),
			MessageID: del.MessageID,
			Reason:    err.Error(),
		}, r.now())}}, nil
	}

	if _, err := r.roomFor(c, del.Consultation()); err != nil {
		return fail(err)
	}
	msg, err := r.message(ctx, del.Consultation(), del.MessageID)
	if err != nil {
		return fail(err)
	}

	ev := protocol.NewEvent(protocol.EvtMessageDeleted, msg.ConsultationID, protocol.MessageDeleted{
		MessageID: msg.ID,
		Scope:     del.Scope,
	}, r.now())

	switch del.Scope {
	case protocol.DeleteForAll:
		if msg.SenderID != c.session.UserID {
			return fail(status.ErrUnauthorizedCommand)
		}
		msg.DeletedForAll = true
		if err := r.store.UpdateMessage(ctx, msg); err != nil {
			return fail(err)
		}
		return []delivery{{scope: toRoom, target: msg.ConsultationID, ev: ev}}, nil
	default:
		msg.HiddenFor[c.session.UserID] = true
		if err := r.store.UpdateMessage(ctx, msg); err != nil {
			return fail(err)
		}
		return []delivery{{scope: toUser, target: c.session.UserID, ev: ev}}, nil
	}
}

func (r *Router) handleExtend(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	ext := cmd.(protocol.ExtendSession)
	if _, err := r.roomFor(c, ext.Consultation()); err != nil {
		return nil, err
	}
	// the engine publishes session-extended to the room itself
	_, err := r.engine.Extend(ctx, ext.Consultation(), c.session.UserID, ext.Minutes)
	return nil, err
}

func (r *Router) handleWalletBalance(ctx context.Context, c *client, cmd protocol.Command) ([]delivery, error) {
	balance, err := r.ledger.Balance(ctx, c.session.UserID)
	if err != nil {
		return nil, err
	}

	wb := protocol.WalletBalance{Balance: balance, Currency: r.cfg.Currency}
	if id := cmd.Consultation(); id != "" {
		if consultation, err := r.engine.Consultation(id); err == nil && consultation.UserID == c.session.UserID {
			wb.Low = r.isLow(balance, consultation.RatePerMinute)
			if consultation.Currency != "" {
				wb.Currency = consultation.Currency
			}
		}
	}
	ev := protocol.NewEvent(protocol.EvtWalletBalanceUpdate, cmd.Consultation(), wb, r.now())
	return []delivery{{scope: toSender, ev: ev}}, nil
}

// roomFor requires that the client joined consultationID first.
func (r *Router) roomFor(c *client, consultationID string) (models.Consultation, error) {
	if !c.joined(consultationID) {
		return models.Consultation{}, status.ErrUnauthorizedCommand
	}
	return r.engine.Consultation(consultationID)
}

func (r *Router) message(ctx context.Context, consultationID, messageID string) (models.Message, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ConsultationID != consultationID {
		return models.Message{}, status.ErrMessageNotFound
	}
	if msg.HiddenFor == nil {
		msg.HiddenFor = map[string]bool{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = map[string]bool{}
	}
	return msg, nil
}

func counterpart(c models.Consultation, userID string) string {
	if userID == c.UserID {
		return c.ProviderID
	}
	return c.UserID
}
