package router

import (
	"log/slog"

	"github.com/a-essam23/go-chatroom/internal/engine"
	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
)

// CommandRouter holds the handlers for every protocol command. Handlers keep
// no state of their own; everything they touch arrives in the Cargo.
type CommandRouter struct {
	logger *slog.Logger
}

func NewCommandRouter(logger *slog.Logger) *CommandRouter {
	return &CommandRouter{
		logger: logger.With(slog.String("component", "command_router")),
	}
}

// Register installs every handler into reg.
func (r *CommandRouter) Register(reg *engine.Registry) {
	reg.Register(protocol.KindSignUp, r.signUp)
	reg.Register(protocol.KindSignIn, r.signIn)
	reg.Register(protocol.KindShowOnlineUser, r.showOnlineUser)
	reg.Register(protocol.KindSingleChat, r.authenticated(r.singleChat))
	reg.Register(protocol.KindMultiChat, r.authenticated(r.multiChat))
	reg.Register(protocol.KindBroadcastChat, r.authenticated(r.broadcastChat))
	reg.Register(protocol.KindShowHistory, r.authenticated(r.showHistory))
	reg.Register(protocol.KindQuit, r.quit)
	reg.Register(protocol.KindDisconnect, r.disconnect)
	r.logger.Info("Registered command handlers", slog.Int("count", reg.Count()))
}

// authenticated rejects the command unless the connection has signed in.
func (r *CommandRouter) authenticated(next pipeline.HandlerFunc) pipeline.HandlerFunc {
	return func(pctx *pipeline.Cargo, cmd protocol.Command) error {
		if pctx.Identity == "" {
			pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgSignInFirst))
			return nil
		}
		return next(pctx, cmd)
	}
}

func replyRetry(pctx *pipeline.Cargo, cmd protocol.Command) {
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeFailure, protocol.MsgRetry))
}
