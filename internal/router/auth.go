package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/store"
)

func (r *CommandRouter) signUp(pctx *pipeline.Cargo, cmd protocol.Command) error {
	name, pass := cmd.Args[0], cmd.Args[1]
	if !protocol.ValidName(name) {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgBadName))
		return nil
	}
	created, err := pctx.Session.CreateCredential(pctx.Ctx, name, pass)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("sign up %q: %w", name, err)
	}
	if !created {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgDuplicateName))
		return nil
	}
	pctx.Logger.Info("User signed up", slog.String("user", name))
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.MsgPleaseSignIn))
	return nil
}

func (r *CommandRouter) signIn(pctx *pipeline.Cargo, cmd protocol.Command) error {
	name, pass := cmd.Args[0], cmd.Args[1]
	if pctx.Identity != "" && pctx.Identity != name {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgAlreadyOnline))
		return nil
	}

	id, found, err := pctx.Session.UserID(pctx.Ctx, name)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("sign in %q: %w", name, err)
	}
	if !found {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgNoSuchUser))
		return nil
	}
	ok, err := pctx.Session.VerifyCredential(pctx.Ctx, name, pass)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("sign in %q: %w", name, err)
	}
	if !ok {
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgWrongPassword))
		return nil
	}

	switch err := pctx.Directory.Bind(name, pctx.Conn); {
	case errors.Is(err, state.ErrAlreadyBound), errors.Is(err, state.ErrConnectionBound):
		pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgAlreadyOnline))
		return nil
	case errors.Is(err, state.ErrUnknownConnection):
		// torn down while we were checking the password
		pctx.Logger.Debug("Connection gone before sign in completed", slog.String("user", name))
		return nil
	case err != nil:
		replyRetry(pctx, cmd)
		return fmt.Errorf("bind %q: %w", name, err)
	}

	if err := pctx.Session.SetOnline(pctx.Ctx, id); err != nil {
		pctx.Directory.Unbind(pctx.Conn)
		replyRetry(pctx, cmd)
		return fmt.Errorf("mark %q online: %w", name, err)
	}
	pctx.Identity = name
	pctx.Metrics.SetOnline(pctx.Directory.Count())
	pctx.Logger.Info("User signed in", slog.String("user", name))

	pctx.Responder.Send(pipeline.Response{
		Conn:     pctx.Conn,
		Payload:  protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.MsgOK),
		Identity: name,
	})
	return r.flushUnread(pctx, id, name)
}

// flushUnread pushes everything stored for name while it was offline as one
// chat_unread batch, then marks exactly those rows delivered.
func (r *CommandRouter) flushUnread(pctx *pipeline.Cargo, id int64, name string) error {
	pending, err := pctx.Session.FetchUndelivered(pctx.Ctx, name)
	if err != nil {
		return fmt.Errorf("fetch unread for %q: %w", name, err)
	}
	if len(pending) == 0 {
		return nil
	}

	rows := make([][]string, len(pending))
	for i, m := range pending {
		rows[i] = []string{m.Sender, m.SentAt.Format(store.TimeLayout), m.Text}
	}
	pctx.Reply(protocol.Reply(protocol.ReplyChatUnread, protocol.CodeSuccess, protocol.Rows(rows)))

	if err := pctx.Session.MarkDelivered(pctx.Ctx, id, pending[len(pending)-1].ID); err != nil {
		return fmt.Errorf("mark unread delivered for %q: %w", name, err)
	}
	pctx.Logger.Debug("Flushed unread messages", slog.String("user", name), slog.Int("count", len(pending)))
	return nil
}

// quit releases the identity before the farewell so that nothing routed
// afterwards lands on a connection that is about to close.
func (r *CommandRouter) quit(pctx *pipeline.Cargo, cmd protocol.Command) error {
	var err error
	if name, bound := pctx.Directory.Unbind(pctx.Conn); bound {
		pctx.Identity = ""
		pctx.Metrics.SetOnline(pctx.Directory.Count())
		err = r.markOffline(pctx, name)
	}
	pctx.Responder.Send(pipeline.Response{
		Conn:       pctx.Conn,
		Payload:    protocol.Reply(protocol.ReplyQuit, protocol.CodeSuccess, protocol.MsgBye),
		CloseAfter: true,
	})
	return err
}

// disconnect runs after the event loop has torn the connection down and
// released its identity.
func (r *CommandRouter) disconnect(pctx *pipeline.Cargo, _ protocol.Command) error {
	pctx.Metrics.SetOnline(pctx.Directory.Count())
	if pctx.Identity == "" {
		return nil
	}
	if _, again := pctx.Directory.Lookup(pctx.Identity); again {
		// already signed in on a newer connection
		return nil
	}
	return r.markOffline(pctx, pctx.Identity)
}

func (r *CommandRouter) markOffline(pctx *pipeline.Cargo, name state.Identity) error {
	id, found, err := pctx.Session.UserID(pctx.Ctx, name)
	if err != nil {
		return fmt.Errorf("mark %q offline: %w", name, err)
	}
	if !found {
		return nil
	}
	if err := pctx.Session.SetOffline(pctx.Ctx, id); err != nil {
		return fmt.Errorf("mark %q offline: %w", name, err)
	}
	pctx.Logger.Info("User signed out", slog.String("user", name))
	return nil
}
