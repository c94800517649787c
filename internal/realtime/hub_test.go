package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/pubsub"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/pkg/matchapi"
)

type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	frames [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events(t *testing.T) []matchapi.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]matchapi.Event, 0, len(c.frames))
	for _, f := range c.frames {
		var ev matchapi.Event
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) send(t *testing.T, event string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	frame, err := json.Marshal(matchapi.Event{Event: event, Data: raw})
	require.NoError(t, err)
	c.in <- frame
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestHub(cfg HubConfig) (*Hub, *state.MemoryStore) {
	store := state.NewMemoryStore(15 * time.Minute)
	return NewHub(store, pubsub.NewMemoryBroker(), cfg), store
}

func TestIdentityGraceRejection(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: 40 * time.Millisecond})
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		hub.serve(newSession(conn))
		close(done)
	}()

	waitFor(t, conn.isClosed)
	<-done

	events := conn.events(t)
	require.NotEmpty(t, events)
	var rejected bool
	for _, ev := range events {
		require.NotEqual(t, matchapi.EventMatchResult, ev.Event)
		if ev.Event == matchapi.EventErrorNotice {
			var d matchapi.ErrorNoticeData
			require.NoError(t, json.Unmarshal(ev.Data, &d))
			if d.Code == matchapi.NoticeConnectionRejected {
				rejected = true
			}
		}
	}
	require.True(t, rejected, "expected a connection_rejected notice")
	require.Zero(t, hub.Registry().Len())
}

func TestDeclareIdentityAckAndRegistration(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: time.Minute})
	conn := newFakeConn()
	go hub.serve(newSession(conn))

	conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: "u-1"})
	waitFor(t, func() bool { return len(hub.Registry().Sessions("u-1")) == 1 })

	events := conn.events(t)
	require.Equal(t, matchapi.EventConnectionAck, events[0].Event)
	var ack matchapi.ConnectionAckData
	require.NoError(t, json.Unmarshal(events[0].Data, &ack))
	require.Equal(t, "u-1", ack.UserID)

	conn.Close()
	waitFor(t, func() bool { return hub.Registry().Len() == 0 })
}

func TestBacklogDeliveredOnActivation(t *testing.T) {
	hub, store := newTestHub(HubConfig{IdentityGrace: time.Minute})

	res := &match.Result{TaskID: "t-9", UserID: "u-2", Tier: match.TierExplorer}
	require.NoError(t, store.CreateTask(context.Background(), state.TaskRecord{
		TaskID:    "t-9",
		UserID:    "u-2",
		Status:    match.StatusCompleted,
		Result:    res,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	conn := newFakeConn()
	go hub.serve(newSession(conn))
	conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: "u-2"})

	waitFor(t, func() bool {
		for _, ev := range conn.events(t) {
			if ev.Event == matchapi.EventMatchResult {
				return true
			}
		}
		return false
	})

	for _, ev := range conn.events(t) {
		if ev.Event != matchapi.EventMatchResult {
			continue
		}
		var d matchapi.MatchResultData
		require.NoError(t, json.Unmarshal(ev.Data, &d))
		require.Equal(t, "t-9", d.TaskID)
		require.Equal(t, match.StatusCompleted, d.Status)
		require.NotNil(t, d.Result)
		require.Equal(t, match.TierExplorer, d.Result.Tier)
	}
}

func TestNoBacklogForInFlightTask(t *testing.T) {
	hub, store := newTestHub(HubConfig{IdentityGrace: time.Minute})
	require.NoError(t, store.CreateTask(context.Background(), state.TaskRecord{
		TaskID:    "t-3",
		UserID:    "u-3",
		Status:    match.StatusProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	conn := newFakeConn()
	go hub.serve(newSession(conn))
	conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: "u-3"})
	waitFor(t, func() bool { return len(conn.events(t)) >= 1 })

	for _, ev := range conn.events(t) {
		require.NotEqual(t, matchapi.EventMatchResult, ev.Event)
	}
}

func TestBroadcastReachesOnlyTopicUser(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: time.Minute})

	connA1, connA2, connB := newFakeConn(), newFakeConn(), newFakeConn()
	for conn, user := range map[*fakeConn]string{connA1: "alice", connA2: "alice", connB: "bob"} {
		go hub.serve(newSession(conn))
		conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: user})
	}
	waitFor(t, func() bool { return hub.Registry().Len() == 3 })

	payload, err := json.Marshal(matchapi.MatchResultData{TaskID: "t-1", Status: match.StatusCompleted})
	require.NoError(t, err)
	hub.dispatch(pubsub.Message{Topic: match.NotificationTopic("alice"), Payload: payload})

	for _, conn := range []*fakeConn{connA1, connA2} {
		waitFor(t, func() bool {
			for _, ev := range conn.events(t) {
				if ev.Event == matchapi.EventMatchResult {
					return true
				}
			}
			return false
		})
	}
	for _, ev := range connB.events(t) {
		require.NotEqual(t, matchapi.EventMatchResult, ev.Event)
	}
}

func TestPingPong(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: time.Minute})
	conn := newFakeConn()
	go hub.serve(newSession(conn))

	conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: "u-4"})
	conn.send(t, matchapi.EventPing, nil)

	waitFor(t, func() bool {
		for _, ev := range conn.events(t) {
			if ev.Event == matchapi.EventPong {
				return true
			}
		}
		return false
	})
}

func TestReaperEvictsSilentSessions(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: time.Minute, HeartbeatInterval: 10 * time.Millisecond, MissedWindows: 3})
	conn := newFakeConn()
	s := newSession(conn)
	go hub.serve(s)

	conn.send(t, matchapi.EventDeclareIdentity, matchapi.DeclareIdentityData{UserID: "u-5"})
	waitFor(t, func() bool { return hub.Registry().Len() == 1 })

	s.mu.Lock()
	s.lastSeen = time.Now().Add(-time.Second)
	s.mu.Unlock()

	hub.reap()
	require.Zero(t, hub.Registry().Len())
	waitFor(t, conn.isClosed)
}

func TestUnknownEventGetsNotice(t *testing.T) {
	hub, _ := newTestHub(HubConfig{IdentityGrace: time.Minute})
	conn := newFakeConn()
	go hub.serve(newSession(conn))

	conn.send(t, "subscribe", nil)
	waitFor(t, func() bool {
		for _, ev := range conn.events(t) {
			if ev.Event == matchapi.EventErrorNotice {
				return true
			}
		}
		return false
	})
}
