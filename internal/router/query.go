package router

import (
	"fmt"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/store"
)

func (r *CommandRouter) showOnlineUser(pctx *pipeline.Cargo, cmd protocol.Command) error {
	names := pctx.Directory.Snapshot()
	rows := make([][]string, len(names))
	for i, n := range names {
		rows[i] = []string{n}
	}
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.Rows(rows)))
	return nil
}

func (r *CommandRouter) showHistory(pctx *pipeline.Cargo, cmd protocol.Command) error {
	msgs, err := pctx.Session.History(pctx.Ctx, pctx.Identity)
	if err != nil {
		replyRetry(pctx, cmd)
		return fmt.Errorf("history of %q: %w", pctx.Identity, err)
	}
	rows := make([][]string, len(msgs))
	for i, m := range msgs {
		rows[i] = []string{m.Sender, m.Receiver, m.SentAt.Format(store.TimeLayout), string(m.Kind), m.Text}
	}
	pctx.Reply(protocol.Reply(cmd.Name, protocol.CodeSuccess, protocol.Rows(rows)))
	return nil
}
