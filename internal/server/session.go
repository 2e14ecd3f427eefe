package server

import (
	"github.com/Tyrowin/coderelay/internal/executor"
	"github.com/Tyrowin/coderelay/internal/protocol"
)

// dispatch routes one inbound event to its handler. Payloads that fail to
// bind are dropped with a warning and never touch room state.
func (h *Hub) dispatch(c *Client, env protocol.Envelope) {
	session, ok := h.sessions[c]
	if !ok {
		return
	}

	var err error
	switch env.Event {
	case protocol.EventJoin:
		var p protocol.JoinPayload
		if p, err = protocol.Bind[protocol.JoinPayload](env); err == nil {
			h.handleJoin(c, session, p)
		}
	case protocol.EventCodeChange:
		var p protocol.CodeChangePayload
		if p, err = protocol.Bind[protocol.CodeChangePayload](env); err == nil {
			h.emit(p.RoomID, c, protocol.EventCodeUpdate, p.Code)
		}
	case protocol.EventLeaveRoom:
		h.handleLeave(c, session)
	case protocol.EventTyping:
		var p protocol.TypingPayload
		if p, err = protocol.Bind[protocol.TypingPayload](env); err == nil {
			h.emit(p.RoomID, c, protocol.EventUserTyping, p.UserName)
		}
	case protocol.EventLanguageChange:
		var p protocol.LanguageChangePayload
		if p, err = protocol.Bind[protocol.LanguageChangePayload](env); err == nil {
			h.emit(p.RoomID, nil, protocol.EventLanguageUpdate, p.Language)
		}
	case protocol.EventCompileCode:
		var p protocol.CompileCodePayload
		if p, err = protocol.Bind[protocol.CompileCodePayload](env); err == nil {
			h.handleCompile(c, p)
		}
	default:
		err = protocol.ErrUnknownEvent
	}

	if err != nil {
		c.log.Warn("Dropping event", "event", env.Event, "error", err)
	}
}

// handleJoin moves the session into a room. A session already in a room
// leaves it first, and the old room is told about the departure.
func (h *Hub) handleJoin(c *Client, session *Session, p protocol.JoinPayload) {
	if session.Joined() {
		previous := session.Room
		h.unsubscribe(c, previous)
		if h.registry.Has(previous) {
			h.registry.RemoveMember(previous, session.User)
			h.broadcastMembers(previous)
			h.pruneRoom(previous)
		}
	}

	session.Room = p.RoomID
	session.User = p.UserName
	h.subscribe(c, p.RoomID)
	h.registry.AddMember(p.RoomID, p.UserName)
	h.broadcastMembers(p.RoomID)

	c.log.Info("User joined room", "room", p.RoomID, "user", p.UserName)
}

// handleLeave removes the session from its room. The leaver is still
// subscribed when the member list goes out, so it receives the update too.
func (h *Hub) handleLeave(c *Client, session *Session) {
	if !session.Joined() {
		return
	}

	room, user := session.Room, session.User
	h.registry.RemoveMember(room, user)
	h.broadcastMembers(room)
	h.unsubscribe(c, room)
	h.pruneRoom(room)
	session.clear()

	c.log.Info("User left room", "room", room, "user", user)
}

// handleCompile submits the code to the executor without blocking the loop.
// Unknown rooms are ignored. The call is not tied to the sender's connection:
// the result goes to whoever is in the room when it arrives.
func (h *Hub) handleCompile(c *Client, p protocol.CompileCodePayload) {
	if !h.registry.Has(p.RoomID) {
		c.log.Debug("Ignoring compile request for unknown room", "room", p.RoomID)
		return
	}

	req := executor.NewRequest(p.Language, p.Version, p.Code)
	log := c.log.With("room", p.RoomID, "language", p.Language, "version", p.Version)

	h.execWg.Add(1)
	go func() {
		defer h.execWg.Done()

		var payload any
		result, err := h.executor.Execute(h.ctx, req)
		if err != nil {
			log.Error("Error compiling code", "error", err)
			payload = protocol.ErrorPayload{Error: protocol.CompilationFailed}
		} else {
			payload = result
		}

		select {
		case h.results <- compileResult{roomID: p.RoomID, payload: payload}:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) handleResult(res compileResult) {
	h.emit(res.roomID, nil, protocol.EventCodeResponse, res.payload)
}
