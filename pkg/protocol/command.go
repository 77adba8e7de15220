package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Delimiter separates command fields. Fields cannot escape it; the last
// field of a command absorbs any further delimiters.
const Delimiter = "|"

var ErrMalformed = errors.New("protocol: malformed command")

// Kind is the closed set of commands the server understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindSignUp
	KindSignIn
	KindShowOnlineUser
	KindSingleChat
	KindMultiChat
	KindBroadcastChat
	KindShowHistory
	KindQuit

	// KindDisconnect never arrives on the wire. The event loop emits it when
	// a connection is torn down.
	KindDisconnect
)

type kindInfo struct {
	name  string
	arity int
}

var kinds = map[Kind]kindInfo{
	KindSignUp:         {"sign_up", 2},
	KindSignIn:         {"sign_in", 2},
	KindShowOnlineUser: {"show_online_user", 0},
	KindSingleChat:     {"single_chat", 2},
	KindMultiChat:      {"multi_chat", 2},
	KindBroadcastChat:  {"broadcast_chat", 1},
	KindShowHistory:    {"show_history", 0},
	KindQuit:           {"q", 0},
	KindDisconnect:     {"disconnect", 0},
}

var byName = map[string]Kind{
	"sign_up":          KindSignUp,
	"sign_in":          KindSignIn,
	"show_online_user": KindShowOnlineUser,
	"single_chat":      KindSingleChat,
	"multi_chat":       KindMultiChat,
	"broadcast_chat":   KindBroadcastChat,
	"show_history":     KindShowHistory,
	"q":                KindQuit,
	"Q":                KindQuit,
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "unknown"
}

// Command is one parsed request.
type Command struct {
	Kind Kind
	Name string
	Args []string
}

// Parse splits a frame payload into a command. Unrecognised command names
// yield KindUnknown with no error so that keepalive frames pass through.
// Known commands with missing or empty required fields return ErrMalformed.
func Parse(payload []byte) (Command, error) {
	line := strings.TrimRight(string(payload), "\r\n")
	name, rest, hasRest := strings.Cut(line, Delimiter)

	kind, ok := byName[name]
	if !ok {
		return Command{Kind: KindUnknown, Name: name}, nil
	}
	cmd := Command{Kind: kind, Name: name}

	arity := kinds[kind].arity
	if arity == 0 {
		return cmd, nil
	}
	if !hasRest {
		return cmd, fmt.Errorf("%w: %s expects %d fields", ErrMalformed, name, arity)
	}
	args := strings.SplitN(rest, Delimiter, arity)
	if len(args) != arity {
		return cmd, fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, name, arity, len(args))
	}
	for i, a := range args {
		if a == "" {
			return cmd, fmt.Errorf("%w: %s field %d is empty", ErrMalformed, name, i+1)
		}
	}
	cmd.Args = args
	return cmd, nil
}

// nameSeparators may not appear in a user name: they split recipient lists,
// reply rows and "<from>;<text>" bodies.
const nameSeparators = Delimiter + ";" + RowSeparator + FieldSeparator

// ValidName reports whether name can be carried in every reply format
// without being split. Whitespace and control characters are rejected too.
func ValidName(name string) bool {
	if name == "" || strings.ContainsAny(name, nameSeparators) {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
