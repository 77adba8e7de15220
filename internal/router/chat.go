package router

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/store"
	"go.uber.org/multierr"
)

func (r *CommandRouter) singleChat(pctx *pipeline.Cargo, cmd protocol.Command) error {
	to, text := cmd.Args[0], cmd.Args[1]

	senderID, _, err := pctx.Session.UserID(pctx.Ctx, pctx.Identity)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("single chat from %q: %w", pctx.Identity, err)
	}
	receiverID, found, err := pctx.Session.UserID(pctx.Ctx, to)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("single chat to %q: %w", to, err)
	}
	if !found {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgUnknownUser))
		return nil
	}

	push := protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.ChatBody(pctx.Identity, text))
	if err := deliver(pctx, store.KindSingle, senderID, receiverID, to, text, push); err != nil {
		replyRetry(pctx, cmd)
		return err
	}
	touch(pctx, senderID)
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodePush, protocol.MsgSent))
	return nil
}

func (r *CommandRouter) multiChat(pctx *pipeline.Cargo, cmd protocol.Command) error {
	names, text := strings.Fields(cmd.Args[0]), cmd.Args[1]

	senderID, _, err := pctx.Session.UserID(pctx.Ctx, pctx.Identity)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("multi chat from %q: %w", pctx.Identity, err)
	}

	push := protocol.Reply(cmd.Name, protocol.CodePush, protocol.ChatBody(pctx.Identity, text))
	var errs error
	seen := make(map[string]struct{}, len(names))
	for _, to := range names {
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}

		receiverID, found, err := pctx.Session.UserID(pctx.Ctx, to)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("multi chat to %q: %w", to, err))
			continue
		}
		if !found {
			pctx.Logger.Debug("Skipping unknown recipient", slog.String("to", to))
			continue
		}
		errs = multierr.Append(errs, deliver(pctx, store.KindMulti, senderID, receiverID, to, text, push))
	}
	if errs != nil {
		replyRetry(pctx, cmd)
		return errs
	}
	touch(pctx, senderID)
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.MsgSent))
	return nil
}

// broadcastChat reaches every identity online right now except the sender.
func (r *CommandRouter) broadcastChat(pctx *pipeline.Cargo, cmd protocol.Command) error {
	text := cmd.Args[0]

	senderID, _, err := pctx.Session.UserID(pctx.Ctx, pctx.Identity)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("broadcast from %q: %w", pctx.Identity, err)
	}

	push := protocol.Reply(cmd.Name, protocol.CodePush, protocol.ChatBody(pctx.Identity, text))
	var errs error
	for _, to := range pctx.Directory.Snapshot() {
		if to == pctx.Identity {
			continue
		}
		receiverID, found, err := pctx.Session.UserID(pctx.Ctx, to)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broadcast to %q: %w", to, err))
			continue
		}
		if !found {
			continue
		}
		errs = multierr.Append(errs, deliver(pctx, store.KindBroadcast, senderID, receiverID, to, text, push))
	}
	if errs != nil {
		replyRetry(pctx, cmd)
		return errs
	}
	touch(pctx, senderID)
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.MsgSent))
	return nil
}

// deliver pushes to the recipient if it is online and logs the message
// either way. The lookup and the enqueue happen under the directory lock so
// a recipient that disconnects concurrently is recorded as undelivered.
func deliver(pctx *pipeline.Cargo, kind store.MessageKind, senderID, receiverID int64, to state.Identity, text string, push []byte) error {
	delivered := pctx.Directory.Route(to, func(conn state.ConnID) {
		pctx.Push(conn, push)
	})
	_, err := pctx.Session.RecordMessage(pctx.Ctx, store.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Text:       text,
		Delivered:  delivered,
	})
	if err != nil && !delivered {
		return fmt.Errorf("store message for %q: %w", to, err)
	}
	if err != nil {
		pctx.Logger.Warn("Delivered message not logged", slog.String("to", to), slog.Any("error", err))
	}
	return nil
}

func touch(pctx *pipeline.Cargo, id int64) {
	if err := pctx.Session.Touch(pctx.Ctx, id); err != nil {
		pctx.Logger.Warn("Failed to refresh last activity", slog.Any("error", err))
	}
}
