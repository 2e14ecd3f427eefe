package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/coderelay/internal/executor"
	"github.com/Tyrowin/coderelay/internal/executor/mocks"
	"github.com/Tyrowin/coderelay/internal/protocol"
)

// newTestHub returns a hub whose loop is not running; tests drive it directly.
func newTestHub(t *testing.T, exec executor.Executor, opts ...HubOption) *Hub {
	t.Helper()
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug), exec, opts...)
	t.Cleanup(h.cancel)
	return h
}

func connect(h *Hub, addr string) *Client {
	c := NewClient(nil, h, addr, 0)
	h.addClient(c)
	return c
}

func send(t *testing.T, h *Hub, c *Client, event string, data any) {
	t.Helper()
	env := protocol.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	h.dispatch(c, env)
}

// nextEvent pops the next queued frame for c and checks its event name.
func nextEvent(t *testing.T, c *Client, event string) json.RawMessage {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed while waiting for %s", event)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, event, env.Event)
		return env.Data
	default:
		require.Failf(t, "missing event", "expected %s for %s", event, c.addr)
		return nil
	}
}

func nextMembers(t *testing.T, c *Client) []string {
	t.Helper()
	var members []string
	require.NoError(t, json.Unmarshal(nextEvent(t, c, protocol.EventUserJoined), &members))
	return members
}

func nextString(t *testing.T, c *Client, event string) string {
	t.Helper()
	var value string
	require.NoError(t, json.Unmarshal(nextEvent(t, c, event), &value))
	return value
}

func requireNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			require.Failf(t, "unexpected event", "%s received %s", c.addr, raw)
		}
	default:
	}
}

func awaitResult(t *testing.T, h *Hub) compileResult {
	t.Helper()
	select {
	case res := <-h.results:
		return res
	case <-time.After(time.Second):
		require.Fail(t, "compile result was not produced")
		return compileResult{}
	}
}

func TestSession_CollaborationScenario(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")

	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	req.Equal([]string{"alice"}, nextMembers(t, alice))
	req.Equal([]string{"alice"}, h.registry.MembersOf("r1"))

	send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
	req.ElementsMatch([]string{"alice", "bob"}, nextMembers(t, alice))
	req.ElementsMatch([]string{"alice", "bob"}, nextMembers(t, bob))

	send(t, h, alice, protocol.EventCodeChange, protocol.CodeChangePayload{RoomID: "r1", Code: "print(1)"})
	req.Equal("print(1)", nextString(t, bob, protocol.EventCodeUpdate))
	requireNoEvent(t, alice)

	h.removeClient(alice)
	req.Equal([]string{"bob"}, nextMembers(t, bob))
	req.Equal([]string{"bob"}, h.registry.MembersOf("r1"))
}

func TestSession_JoinAnotherRoomLeavesPrevious(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")

	send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
	nextMembers(t, bob)
	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	nextMembers(t, alice)
	nextMembers(t, bob)

	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r2", UserName: "alice"})

	req.Equal([]string{"bob"}, nextMembers(t, bob))
	req.Equal([]string{"alice"}, nextMembers(t, alice))
	requireNoEvent(t, alice)
	req.Equal([]string{"bob"}, h.registry.MembersOf("r1"))
	req.Equal([]string{"alice"}, h.registry.MembersOf("r2"))

	// Alice no longer receives r1 traffic.
	send(t, h, bob, protocol.EventLanguageChange, protocol.LanguageChangePayload{RoomID: "r1", Language: "go"})
	req.Equal("go", nextString(t, bob, protocol.EventLanguageUpdate))
	requireNoEvent(t, alice)
}

func TestSession_AtMostOneRoomAcrossJoins(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	c := connect(h, "conn")

	for _, room := range []string{"a", "b", "c", "a", "d"} {
		send(t, h, c, protocol.EventJoin, protocol.JoinPayload{RoomID: room, UserName: "zoe"})

		occupied := 0
		for _, members := range h.registry.Rooms() {
			if len(members) > 0 {
				occupied++
			}
		}
		req.Equal(1, occupied, "after joining %s", room)
		req.Equal([]string{"zoe"}, h.registry.MembersOf(room))
	}
}

func TestSession_LeaveRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")

	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
	nextMembers(t, alice)
	nextMembers(t, alice)
	nextMembers(t, bob)

	send(t, h, alice, protocol.EventLeaveRoom, nil)

	req.Equal([]string{"bob"}, nextMembers(t, alice))
	req.Equal([]string{"bob"}, nextMembers(t, bob))
	req.False(h.sessions[alice].Joined())

	send(t, h, bob, protocol.EventTyping, protocol.TypingPayload{RoomID: "r1", UserName: "bob"})
	requireNoEvent(t, alice)

	send(t, h, bob, protocol.EventLeaveRoom, nil)
	req.Empty(nextMembers(t, bob))
	req.True(h.registry.Has("r1"))
}

func TestSession_LeaveWithoutJoinIsNoop(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")
	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	nextMembers(t, alice)

	before := h.registry.Rooms()
	send(t, h, bob, protocol.EventLeaveRoom, nil)

	req.Equal(before, h.registry.Rooms())
	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
}

func TestSession_EchoSuppression(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")
	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
	nextMembers(t, alice)
	nextMembers(t, alice)
	nextMembers(t, bob)

	send(t, h, alice, protocol.EventTyping, protocol.TypingPayload{RoomID: "r1", UserName: "alice"})
	req.Equal("alice", nextString(t, bob, protocol.EventUserTyping))
	requireNoEvent(t, alice)

	send(t, h, alice, protocol.EventLanguageChange, protocol.LanguageChangePayload{RoomID: "r1", Language: "python"})
	req.Equal("python", nextString(t, alice, protocol.EventLanguageUpdate))
	req.Equal("python", nextString(t, bob, protocol.EventLanguageUpdate))
}

func TestSession_RelayUsesPayloadRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	alice := connect(h, "alice-conn")
	bob := connect(h, "bob-conn")
	send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r2", UserName: "bob"})
	nextMembers(t, bob)

	send(t, h, alice, protocol.EventCodeChange, protocol.CodeChangePayload{RoomID: "r2", Code: "x := 1"})

	req.Equal("x := 1", nextString(t, bob, protocol.EventCodeUpdate))
	requireNoEvent(t, alice)
}

func TestSession_SharedDisplayNameCollapses(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	first := connect(h, "first")
	second := connect(h, "second")

	send(t, h, first, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "sam"})
	send(t, h, second, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "sam"})
	nextMembers(t, first)
	req.Equal([]string{"sam"}, nextMembers(t, first))
	req.Equal([]string{"sam"}, nextMembers(t, second))

	h.removeClient(first)

	req.Empty(nextMembers(t, second))
	req.Empty(h.registry.MembersOf("r1"))
}

func TestSession_MalformedPayloadsAreDropped(t *testing.T) {
	h := newTestHub(t, nil)
	c := connect(h, "conn")

	tests := []struct {
		name  string
		event string
		data  any
	}{
		{name: "join without userName", event: protocol.EventJoin, data: map[string]string{"roomId": "r1"}},
		{name: "join without data", event: protocol.EventJoin},
		{name: "join with wrong types", event: protocol.EventJoin, data: map[string]int{"roomId": 1, "userName": 2}},
		{name: "codeChange without room", event: protocol.EventCodeChange, data: map[string]string{"code": "x"}},
		{name: "unknown event", event: "deleteEverything", data: map[string]string{"roomId": "r1"}},
		{name: "outbound event name", event: protocol.EventUserJoined, data: []string{"mallory"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			send(t, h, c, tt.event, tt.data)
			req.Zero(h.registry.Len())
			req.False(h.sessions[c].Joined())
			requireNoEvent(t, c)
		})
	}
}

func TestSession_EventsFromUnknownClientAreIgnored(t *testing.T) {
	h := newTestHub(t, nil)
	stranger := NewClient(nil, h, "stranger", 0)

	send(t, h, stranger, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "eve"})

	require.False(t, h.registry.Has("r1"))
}

func TestSession_CompileCode(t *testing.T) {
	const result = `{"language":"python","version":"3.10.0","run":{"stdout":"1\n","code":0}}`

	t.Run("relays result to whole room", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)
		h := newTestHub(t, exec)
		alice := connect(h, "alice-conn")
		bob := connect(h, "bob-conn")
		send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
		send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
		nextMembers(t, alice)
		nextMembers(t, alice)
		nextMembers(t, bob)

		exec.EXPECT().
			Execute(gomock.Any(), executor.NewRequest("python", "3.10.0", "print(1)")).
			Return(json.RawMessage(result), nil).
			Times(1)

		send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
			Code: "print(1)", RoomID: "r1", Language: "python", Version: "3.10.0",
		})
		h.handleResult(awaitResult(t, h))

		req.JSONEq(result, string(nextEvent(t, alice, protocol.EventCodeResponse)))
		req.JSONEq(result, string(nextEvent(t, bob, protocol.EventCodeResponse)))
	})

	t.Run("execution failure becomes error payload", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)
		h := newTestHub(t, exec)
		alice := connect(h, "alice-conn")
		send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
		nextMembers(t, alice)

		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused")).Times(1)

		send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
			Code: "print(1)", RoomID: "r1", Language: "python", Version: "3.10.0",
		})
		h.handleResult(awaitResult(t, h))

		req.JSONEq(`{"error":"Compilation failed."}`, string(nextEvent(t, alice, protocol.EventCodeResponse)))
	})

	t.Run("unknown room makes no call", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)
		h := newTestHub(t, exec)
		alice := connect(h, "alice-conn")

		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

		send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
			Code: "print(1)", RoomID: "never-joined", Language: "python", Version: "3.10.0",
		})
		h.execWg.Wait()

		requireNoEvent(t, alice)
	})

	t.Run("emptied room is still known", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)
		h := newTestHub(t, exec)
		alice := connect(h, "alice-conn")
		send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
		send(t, h, alice, protocol.EventLeaveRoom, nil)
		nextMembers(t, alice)
		nextMembers(t, alice)

		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(json.RawMessage(result), nil).Times(1)

		send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
			Code: "print(1)", RoomID: "r1", Language: "python", Version: "3.10.0",
		})
		h.handleResult(awaitResult(t, h))

		requireNoEvent(t, alice)
	})

	t.Run("sender disconnect does not cancel", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)
		h := newTestHub(t, exec)
		alice := connect(h, "alice-conn")
		bob := connect(h, "bob-conn")
		send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
		send(t, h, bob, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "bob"})
		nextMembers(t, alice)
		nextMembers(t, alice)
		nextMembers(t, bob)

		release := make(chan struct{})
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ executor.Request) (json.RawMessage, error) {
				<-release
				return json.RawMessage(result), ctx.Err()
			}).Times(1)

		send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
			Code: "print(1)", RoomID: "r1", Language: "python", Version: "3.10.0",
		})
		h.removeClient(alice)
		req.Equal([]string{"bob"}, nextMembers(t, bob))
		close(release)

		h.handleResult(awaitResult(t, h))
		req.JSONEq(result, string(nextEvent(t, bob, protocol.EventCodeResponse)))
	})
}

func TestSession_RoomPruning(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	h := newTestHub(t, exec, WithRoomPruning())
	alice := connect(h, "alice-conn")

	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "alice"})
	send(t, h, alice, protocol.EventJoin, protocol.JoinPayload{RoomID: "r2", UserName: "alice"})
	req.False(h.registry.Has("r1"))
	req.True(h.registry.Has("r2"))

	send(t, h, alice, protocol.EventLeaveRoom, nil)
	req.Zero(h.registry.Len())

	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)
	send(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
		Code: "print(1)", RoomID: "r2", Language: "python", Version: "3.10.0",
	})
	h.execWg.Wait()
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, nil)
	slow := connect(h, "slow")
	fast := connect(h, "fast")
	send(t, h, slow, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "slow"})
	send(t, h, fast, protocol.EventJoin, protocol.JoinPayload{RoomID: "r1", UserName: "fast"})
	nextMembers(t, fast)

	for len(slow.send) < cap(slow.send) {
		slow.send <- []byte("{}")
	}

	send(t, h, fast, protocol.EventCodeChange, protocol.CodeChangePayload{RoomID: "r1", Code: "x"})

	_, stillConnected := h.sessions[slow]
	req.False(stillConnected)
	req.Equal([]string{"fast"}, nextMembers(t, fast))
	req.Equal([]string{"fast"}, h.registry.MembersOf("r1"))
}
