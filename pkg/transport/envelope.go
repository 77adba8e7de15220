package transport

import (
	"bytes"
	"errors"
	"strings"

	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/tidwall/gjson"
)

var ErrBadEnvelope = errors.New("transport: invalid command envelope")

// Translate turns a browser message into a chat command payload.
//
// A JSON object of the form {"command": "single_chat", "args": ["bob", "hi"]}
// is flattened to "single_chat|bob|hi". "args" may also be a single string
// or omitted. Anything that is not a JSON object is forwarded verbatim.
func Translate(msg []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, ErrBadEnvelope
	}

	command := gjson.GetBytes(trimmed, "command")
	if command.Type != gjson.String || command.Str == "" {
		return nil, ErrBadEnvelope
	}

	fields := []string{command.Str}
	args := gjson.GetBytes(trimmed, "args")
	switch {
	case !args.Exists():
	case args.IsArray():
		for _, arg := range args.Array() {
			fields = append(fields, arg.String())
		}
	case args.Type == gjson.String:
		fields = append(fields, args.Str)
	default:
		return nil, ErrBadEnvelope
	}
	return []byte(strings.Join(fields, protocol.Delimiter)), nil
}
