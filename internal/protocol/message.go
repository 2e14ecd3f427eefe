// Package protocol defines the JSON event envelope exchanged over the
// WebSocket connection and the payloads carried by each event.
//
// Event and field names are part of the browser client contract and must
// not be renamed.
package protocol

import "encoding/json"

// Inbound event names.
const (
	EventJoin           = "join"
	EventCodeChange     = "codeChange"
	EventLeaveRoom      = "leaveRoom"
	EventTyping         = "typing"
	EventLanguageChange = "languageChange"
	EventCompileCode    = "compileCode"
)

// Outbound event names.
const (
	EventUserJoined     = "userJoined"
	EventCodeUpdate     = "codeUpdate"
	EventUserTyping     = "userTyping"
	EventLanguageUpdate = "languageUpdate"
	EventCodeResponse   = "codeResponse"
)

// CompilationFailed is the error text relayed when the execution service call fails.
const CompilationFailed = "Compilation failed."

// Envelope is a single event frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is sent by a client entering a room.
type JoinPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	UserName string `json:"userName" validate:"required"`
}

// CodeChangePayload carries the full editor content.
type CodeChangePayload struct {
	RoomID string `json:"roomId" validate:"required"`
	Code   string `json:"code"`
}

// TypingPayload signals that userName is typing.
type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	UserName string `json:"userName"`
}

// LanguageChangePayload switches the room's editor language.
type LanguageChangePayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Language string `json:"language" validate:"required"`
}

// CompileCodePayload asks the server to run code through the execution service.
type CompileCodePayload struct {
	Code     string `json:"code"`
	RoomID   string `json:"roomId" validate:"required"`
	Language string `json:"language" validate:"required"`
	Version  string `json:"version" validate:"required"`
}

// ErrorPayload is the codeResponse body sent when execution fails.
type ErrorPayload struct {
	Error string `json:"error"`
}
