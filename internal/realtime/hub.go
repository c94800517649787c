// Package realtime owns the websocket surface: the per-user session registry,
// the broker drain loop that fans completed results out to connected clients,
// and the liveness bookkeeping that evicts dead connections. Delivery here is
// best effort; the result cache stays the durable source of truth.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/pubsub"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/pkg/matchapi"
)

type HubConfig struct {
	// IdentityGrace is how long a connection may stay Pending before it is
	// rejected and closed.
	IdentityGrace time.Duration
	// HeartbeatInterval is the expected client ping cadence; MissedWindows
	// consecutive silent intervals force eviction.
	HeartbeatInterval time.Duration
	MissedWindows     int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.IdentityGrace <= 0 {
		c.IdentityGrace = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedWindows <= 0 {
		c.MissedWindows = 3
	}
	return c
}

type Hub struct {
	cfg      HubConfig
	registry *Registry
	store    state.Store
	broker   pubsub.Broker
	upgrader websocket.Upgrader
}

func NewHub(store state.Store, broker pubsub.Broker, cfg HubConfig) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		registry: NewRegistry(),
		store:    store,
		broker:   broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

// Run drains the broker subscription into connected sessions and runs the
// liveness reaper until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.broker.Subscribe(ctx, match.NotificationPattern)
	if err != nil {
		return err
	}
	defer sub.Close()

	reaper := time.NewTicker(h.cfg.HeartbeatInterval)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			h.dispatch(msg)
		case <-reaper.C:
			h.reap()
		}
	}
}

func (h *Hub) dispatch(msg pubsub.Message) {
	userID, ok := match.UserFromTopic(msg.Topic)
	if !ok {
		return
	}
	if !json.Valid(msg.Payload) {
		log.Printf("realtime: dropping malformed payload on %s", msg.Topic)
		return
	}
	n := h.registry.Broadcast(userID, matchapi.EventMatchResult, json.RawMessage(msg.Payload))
	observability.Default.IncCounter("realtime_broadcast_total", nil, float64(n))
	h.setGauge()
}

func (h *Hub) reap() {
	deadline := time.Now().Add(-time.Duration(h.cfg.MissedWindows) * h.cfg.HeartbeatInterval)
	h.registry.ForEach(func(s *Session) {
		if s.LastSeen().Before(deadline) {
			log.Printf("realtime: evicting silent session user=%s", s.UserID())
			observability.Default.IncCounter("realtime_evicted_total", nil, 1)
			s.Close()
			h.registry.Remove(s)
		}
	})
	h.setGauge()
}

func (h *Hub) setGauge() {
	observability.Default.SetGauge("realtime_active_connections", nil, float64(h.registry.Len()))
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}
	h.serve(newSession(conn))
}

func (h *Hub) serve(s *Session) {
	grace := time.AfterFunc(h.cfg.IdentityGrace, func() {
		if s.Pending() {
			observability.Default.IncCounter("realtime_rejected_total", nil, 1)
			s.CloseWithNotice(matchapi.NoticeConnectionRejected, "identity not declared within grace period")
		}
	})
	defer grace.Stop()
	defer func() {
		h.registry.Remove(s)
		s.Close()
		h.setGauge()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.Touch()
		var ev matchapi.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			_ = s.Send(matchapi.EventErrorNotice, matchapi.ErrorNoticeData{Code: matchapi.NoticeBadEvent, Message: "frames must be event envelopes"})
			continue
		}
		h.handleEvent(s, ev)
	}
}

func (h *Hub) handleEvent(s *Session, ev matchapi.Event) {
	switch ev.Event {
	case matchapi.EventDeclareIdentity:
		var d matchapi.DeclareIdentityData
		if err := json.Unmarshal(ev.Data, &d); err != nil || d.UserID == "" {
			_ = s.Send(matchapi.EventErrorNotice, matchapi.ErrorNoticeData{Code: matchapi.NoticeBadEvent, Message: "declare_identity requires user_id"})
			return
		}
		if !s.Activate(d.UserID) {
			return
		}
		h.registry.Add(s)
		h.setGauge()
		_ = s.Send(matchapi.EventConnectionAck, matchapi.ConnectionAckData{UserID: d.UserID, Message: "connected"})
		h.deliverBacklog(s)
	case matchapi.EventPing:
		_ = s.Send(matchapi.EventPong, matchapi.PongData{TimestampUnix: time.Now().Unix()})
	default:
		_ = s.Send(matchapi.EventErrorNotice, matchapi.ErrorNoticeData{Code: matchapi.NoticeBadEvent, Message: "unknown event " + ev.Event})
	}
}

// deliverBacklog closes the race between a result published before the client
// connected and the subscription starting afterwards: on activation the user's
// latest task is read once from the cache and, if it completed within
// retention, its result is replayed to this session only.
func (h *Hub) deliverBacklog(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, ok, err := h.store.LatestTaskForUser(ctx, s.UserID())
	if err != nil {
		log.Printf("realtime: backlog lookup failed user=%s: %v", s.UserID(), err)
		return
	}
	if !ok || rec.Status != match.StatusCompleted || rec.Result == nil {
		return
	}
	_ = s.Send(matchapi.EventMatchResult, matchapi.MatchResultData{
		TaskID: rec.TaskID,
		Status: rec.Status,
		Result: resultPayload(rec.Result),
	})
	observability.Default.IncCounter("realtime_backlog_delivered_total", nil, 1)
}

func resultPayload(r *match.Result) *matchapi.MatchResultPayload {
	out := &matchapi.MatchResultPayload{
		TaskID:                r.TaskID,
		UserID:                r.UserID,
		Tier:                  r.Tier,
		RequiresProfileUpdate: r.RequiresProfileUpdate,
		ProcessingTimeMS:      r.ProcessingTimeMS,
	}
	for _, m := range r.Matches {
		out.Matches = append(out.Matches, matchapi.RankedMatch{
			CommunityID:   m.CommunityID,
			CommunityName: m.CommunityName,
			Category:      m.Category,
			Score:         m.Score,
			Similarity:    m.Similarity,
			LocalityBonus: m.LocalityBonus,
			RecencyBonus:  m.RecencyBonus,
			MemberCount:   m.MemberCount,
			RecentEvents:  m.RecentEvents,
		})
	}
	return out
}
