package protocol

import "strings"

// Reply status codes.
const (
	CodeFailure = "0"
	CodeSuccess = "1"
	CodePush    = "2"
)

// Reply names that are not also command names.
const (
	ReplyChatUnread = "chat_unread"
	ReplyQuit       = "q"
)

// Reason texts sent back to clients.
const (
	MsgPleaseSignIn  = "请登录"
	MsgRetry         = "请重试"
	MsgDuplicateName = "用户名重复"
	MsgBadName       = "用户名不合法"
	MsgNoSuchUser    = "无此用户"
	MsgWrongPassword = "密码错误"
	MsgAlreadyOnline = "用户已在线"
	MsgUnknownUser   = "用户不存在"
	MsgSignInFirst   = "请先登录"
	MsgSent          = "发送成功"
	MsgOK            = "ok"
	MsgBye           = "bye"
)

// Row and field separators for multi-row payloads.
const (
	RowSeparator   = "\n"
	FieldSeparator = " "
)

// Reply builds "<name>|<code>|<body>".
func Reply(name, code, body string) []byte {
	var b strings.Builder
	b.Grow(len(name) + len(code) + len(body) + 2)
	b.WriteString(name)
	b.WriteString(Delimiter)
	b.WriteString(code)
	b.WriteString(Delimiter)
	b.WriteString(body)
	return []byte(b.String())
}

// ChatBody is the "<from>;<text>" body of a pushed chat message.
func ChatBody(from, text string) string {
	return from + ";" + text
}

// Rows joins rows of fields into a multi-row body.
func Rows(rows [][]string) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = strings.Join(r, FieldSeparator)
	}
	return strings.Join(lines, RowSeparator)
}
