package coordinator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/com"
	"github.com/examwatch/proctor/pkg/incident"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/network/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Error reasons sent to the participants.
const (
	ReasonExpectedJoin  = "expected_join"
	ReasonMissingUser   = "missing_userId"
	ReasonBadRole       = "bad_role"
	ReasonForbidden     = "forbidden"
	ReasonBadMessage    = "bad_message"
	ReasonUnknownType   = "unknown_type"
	ReasonAlreadyJoined = "already_joined"
	ReasonReplaced      = "replaced"
)

const archiveTimeout = 3 * time.Second

// Relay forwards the media of a room when the coordinator runs as a relay.
// It gets every negotiation message addressed to the server and
// answers through Hub.Send.
type Relay interface {
	Handle(room string, from api.Participant, m api.Message)
	Leave(room, user string)
	Close() error
}

// Hub keeps the rooms and routes the signaling messages between their participants.
type Hub struct {
	auth    Auth
	rules   *incident.Rules
	archive Archive
	relay   Relay
	metrics *Metrics
	log     *logger.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

type HubOption func(*Hub)

func WithAuth(a Auth) HubOption             { return func(h *Hub) { h.auth = a } }
func WithArchive(a Archive) HubOption       { return func(h *Hub) { h.archive = a } }
func WithRules(r *incident.Rules) HubOption { return func(h *Hub) { h.rules = r } }
func WithMetrics(m *Metrics) HubOption      { return func(h *Hub) { h.metrics = m } }
func WithLogger(l *logger.Logger) HubOption { return func(h *Hub) { h.log = l } }

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{rooms: make(map[string]*Room)}
	for _, opt := range opts {
		opt(h)
	}
	if h.rules == nil {
		h.rules = incident.NewRules()
	}
	if h.archive == nil {
		h.archive = NewMemoryArchive(DefaultArchiveLimit)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if h.log == nil {
		h.log = logger.Default()
	}
	return h
}

// SetRelay switches the hub to the relay topology.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) Mode() string {
	if h.relay != nil {
		return "relay"
	}
	return "p2p"
}

// client is one websocket connection of a room.
// It becomes a member after its join message.
type client struct {
	conn  *websocket.Connection
	room  string
	claim string
	log   *logger.Logger

	mu   sync.Mutex
	self *member
	r    *Room
}

func (c *client) member() (*member, *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.r
}

func (c *client) bind(m *member, r *Room) {
	c.mu.Lock()
	c.self, c.r = m, r
	c.mu.Unlock()
}

// ServeWS upgrades the request into a room connection.
// The first message of the connection must be a join.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if room == "" {
		http.Error(w, "no room", http.StatusBadRequest)
		return
	}
	claim, err := h.auth.Request(r)
	if err != nil {
		h.log.Warn().Err(err).Str(logger.RoomField, room).Msg("rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Upgrade(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	c := &client{
		conn:  conn,
		room:  room,
		claim: claim,
		log:   h.log.Extend(h.log.With().Str(logger.RoomField, room).Str("ws", conn.Id().Short())),
	}
	conn.OnMessage = func(data []byte) { h.onMessage(c, data) }
	conn.Listen()
	go func() {
		<-conn.Done()
		h.leave(c)
	}()
}

func (h *Hub) onMessage(c *client, data []byte) {
	m, err := api.Decode(data)
	self, room := c.member()
	if self == nil {
		h.onJoin(c, m, err)
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed message")
		h.reply(c.conn, api.NewError(ReasonBadMessage))
		return
	}
	h.metrics.Messages.WithLabelValues(string(m.Type)).Inc()
	c.log.Debug().Str(logger.DirectionField, "←").Str("type", string(m.Type)).Str("to", m.To).Msg("")
	m.From = self.UserID

	switch m.Type {
	case api.Offer, api.Answer, api.Ice:
		if h.relay != nil && m.To == api.ServerID {
			h.relay.Handle(room.ID, self.Participant, m)
			return
		}
		h.route(room, m)
	case api.Chat:
		h.route(room, m)
	case api.Control:
		if self.Role != api.Proctor {
			h.reply(c.conn, api.NewError(ReasonForbidden))
			return
		}
		if m.Action == api.Resume && m.To != "" {
			h.rules.Resume(room.ID, m.To)
		}
		h.route(room, m)
	case api.Incident:
		h.incident(room, m)
	case api.AiAnalysis:
		h.analysis(room, m)
	case api.Leave:
		go c.conn.Close()
	case api.Join:
		h.reply(c.conn, api.NewError(ReasonAlreadyJoined))
	default:
		h.reply(c.conn, api.NewError(ReasonUnknownType))
	}
}

func (h *Hub) onJoin(c *client, m api.Message, err error) {
	if m.Type == api.Join && m.UserID != "" && m.Role == "" {
		m.Role = api.Candidate
		err = m.Validate()
	}
	reason := ""
	switch {
	case m.Type != api.Join:
		reason = ReasonExpectedJoin
	case m.UserID == "":
		reason = ReasonMissingUser
	case err != nil:
		reason = ReasonBadRole
	case c.claim != "" && c.claim != m.UserID:
		reason = ReasonForbidden
	}
	if reason != "" {
		c.log.Warn().Str("reason", reason).Msg("join refused")
		h.reply(c.conn, api.NewError(reason))
		go c.conn.Close()
		return
	}
	h.join(c, api.Participant{UserID: m.UserID, Role: m.Role})
}

func (h *Hub) join(c *client, p api.Participant) {
	self := &member{Participant: p, conn: c.conn, joined: time.Now()}

	h.mu.Lock()
	r, ok := h.rooms[c.room]
	if !ok {
		r = newRoom(c.room)
		h.rooms[c.room] = r
		h.metrics.Rooms.Inc()
	}
	prev := r.add(self)
	h.mu.Unlock()

	c.bind(self, r)
	log := c.log.Tagged(logger.UserField, p.UserID)
	h.metrics.Participants.WithLabelValues(string(p.Role)).Inc()
	log.Info().Str("role", string(p.Role)).Msg("joined")

	if prev != nil {
		log.Warn().Msg("replaced an older connection")
		h.metrics.Participants.WithLabelValues(string(prev.Role)).Dec()
		h.reply(prev.conn, api.NewError(ReasonReplaced))
		go prev.conn.Close()
	}
	h.reply(c.conn, api.Message{Type: api.Roster, From: api.ServerID, Participants: r.Roster()})
	h.broadcast(r, p.UserID, api.Message{Type: api.ParticipantJoined, From: api.ServerID, UserID: p.UserID, Role: p.Role})
}

func (h *Hub) leave(c *client) {
	self, r := c.member()
	if self == nil {
		return
	}
	h.mu.Lock()
	_, ok := r.remove(self.UserID, c.conn)
	if ok && r.isEmpty() && h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
		h.metrics.Rooms.Dec()
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.Participants.WithLabelValues(string(self.Role)).Dec()
	c.log.Info().Str(logger.DirectionField, "x").Str(logger.UserField, self.UserID).Err(c.conn.Err()).Msg("left")
	if h.relay != nil {
		h.relay.Leave(r.ID, self.UserID)
	}
	h.broadcast(r, self.UserID, api.Message{Type: api.ParticipantLeft, From: api.ServerID, UserID: self.UserID, Role: self.Role})
}

// route delivers the message to its target or to the room except the sender.
func (h *Hub) route(r *Room, m api.Message) {
	data, err := api.Encode(m)
	if err != nil {
		h.log.Error().Err(err).Msg("encode")
		return
	}
	sent, dropped := r.deliver(m.From, m.To, data)
	if dropped > 0 {
		h.metrics.Dropped.Add(float64(dropped))
	}
	if sent == 0 && dropped == 0 && m.To != "" {
		h.log.Debug().Str(logger.RoomField, r.ID).Str("to", m.To).Str("type", string(m.Type)).Msg("no target")
	}
}

func (h *Hub) broadcast(r *Room, except string, m api.Message) {
	data, err := api.Encode(m)
	if err != nil {
		h.log.Error().Err(err).Msg("encode")
		return
	}
	if _, dropped := r.deliver(except, "", data); dropped > 0 {
		h.metrics.Dropped.Add(float64(dropped))
	}
}

func (h *Hub) reply(conn *websocket.Connection, m api.Message) {
	data, err := api.Encode(m)
	if err != nil {
		h.log.Error().Err(err).Msg("encode")
		return
	}
	if !conn.Write(data) {
		h.metrics.Dropped.Inc()
	}
}

// Send delivers a server message into the room, mostly for the relay.
func (h *Hub) Send(room string, m api.Message) bool {
	r, ok := h.Room(room)
	if !ok {
		return false
	}
	m.From = api.ServerID
	data, err := api.Encode(m)
	if err != nil {
		return false
	}
	sent, _ := r.deliver(api.ServerID, m.To, data)
	return sent > 0
}

func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Stats counts the open rooms and the participants by role.
func (h *Hub) Stats() (rooms int, roles map[api.Role]int) {
	h.mu.Lock()
	list := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		list = append(list, r)
	}
	h.mu.Unlock()
	roles = map[api.Role]int{api.Candidate: 0, api.Proctor: 0}
	for _, r := range list {
		for _, p := range r.Roster() {
			roles[p.Role]++
		}
	}
	return len(list), roles
}

// incident escalates a reported incident, archives it and passes it on.
func (h *Hub) incident(r *Room, m api.Message) {
	inc := h.stamp(incident.FromMessage(m))
	// a connection reports only for itself
	inc.ActorID = m.From
	inc = h.rules.Apply(r.ID, inc)
	h.metrics.Incidents.WithLabelValues(string(inc.Tag), string(inc.Level)).Inc()
	h.store(r.ID, inc)
	out := inc.Message()
	out.From, out.To = m.From, m.To
	h.route(r, out)
}

// analysis archives the alerts of an external detector feed and forwards it as is.
func (h *Hub) analysis(r *Room, m api.Message) {
	for _, inc := range incident.FromAnalysis(m.Report(), time.Now()) {
		inc.ActorID = m.From
		inc = h.rules.Apply(r.ID, h.stamp(inc))
		h.metrics.Incidents.WithLabelValues(string(inc.Tag), string(inc.Level)).Inc()
		h.store(r.ID, inc)
	}
	h.route(r, m)
}

func (h *Hub) stamp(inc incident.Incident) incident.Incident {
	if inc.ID == "" {
		inc.ID = com.NewUid().String()
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now()
	}
	return inc
}

func (h *Hub) store(room string, inc incident.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := h.archive.Append(ctx, Record{RoomID: room, Incident: inc}); err != nil {
		h.log.Error().Err(err).Str(logger.RoomField, room).Str(logger.TagField, string(inc.Tag)).Msg("archive")
	}
}

// Close disconnects everybody.
func (h *Hub) Close() {
	h.mu.Lock()
	var conns []*websocket.Connection
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, m := range r.members {
			conns = append(conns, m.conn)
		}
		r.mu.RUnlock()
	}
	h.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *websocket.Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
