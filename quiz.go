// Cropquiz
//
// Players join a room and try to pick the countries that produce the most
// of a chosen agricultural commodity in a given year. Scores come from a
// FAOSTAT-style reference dataset: each player's picks are summed against
// real production values and ranked against the rest of the room.
//
// Features:
// - Single WebSocket endpoint: /quiz/ws, intents carry a room code
// - Room codes are short, human-typeable, crypto/rand, collision-checked
// - The creating connection becomes the room manager (not a player
//   unless they join their own room)
// - Settings (product, year, max picks) can be changed until the game starts
// - The country list for the chosen product/year is recomputed on every
//   settings change
// - Live spectating: every accepted pick rebroadcasts the roster
// - Duplicate and over-limit picks are silently ignored, so clients can
//   retry without special-casing
// - End of game ranks players by total production and reveals the top five
//   producing countries with their share of world output
// - Players are removed from their rooms on disconnect
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share the room code, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
	"github.com/skip2/go-qrcode"
)

// Settings defines one game instance. Immutable once the game starts.
type Settings struct {
	Product      string `json:"product"`
	Year         int    `json:"year"`
	NumCountries int    `json:"numCountries"`
}

// Player is one roster entry. ID is the connection identity.
// Score and Percentage stay zero until the game ends.
type Player struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Countries  []string `json:"countries"`
	Score      float64  `json:"score"`
	Percentage float64  `json:"percentage"`
}

// Messages coming from clients
type ClientMessage struct {
	Type         string `json:"type"`                   // "create_room", "set_settings", "join_room", "start_game", "select_country", "end_game", "get_products"
	RoomID       string `json:"roomId,omitempty"`       // all room-scoped intents
	Name         string `json:"name,omitempty"`         // join_room
	Product      string `json:"product,omitempty"`      // create_room / set_settings
	Year         int    `json:"year,omitempty"`         // create_room / set_settings
	NumCountries int    `json:"numCountries,omitempty"` // create_room / set_settings
	Country      string `json:"country,omitempty"`      // select_country
}

// Messages sent to clients
type RoomCreatedMessage struct {
	Type      string    `json:"type"` // "room_created"
	RoomID    string    `json:"roomId"`
	Settings  *Settings `json:"settings,omitempty"`
	Countries []string  `json:"countries,omitempty"`
}

type SettingsUpdatedMessage struct {
	Type     string   `json:"type"` // "settings_updated"
	Settings Settings `json:"settings"`
}

type CountriesListMessage struct {
	Type      string   `json:"type"` // "countries_list"
	Countries []string `json:"countries"`
}

type PlayerListMessage struct {
	Type    string   `json:"type"` // "player_list"
	Players []Player `json:"players"`
}

type GameStartedMessage struct {
	Type     string   `json:"type"` // "game_started"
	Settings Settings `json:"settings"`
}

type GameEndedMessage struct {
	Type     string   `json:"type"` // "game_ended"
	Settings Settings `json:"settings"`
	GameResult
}

type ProductsListMessage struct {
	Type     string   `json:"type"` // "products_list"
	Products []string `json:"products"`
}

// Sent to the originating client only, never broadcast.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}
	id   string

	once sync.Once
}

// close signals writePump shutdown and closes the connection. The send
// channel itself is never closed, so concurrent deliveries stay safe.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// deliver queues a message for the client. Returns false if the client
// is already closed or can't keep up; the caller decides whether to
// evict it.
func (c *Client) deliver(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Room is one quiz session: a roster, optional settings, and the
// connections subscribed to its broadcasts.
type Room struct {
	id        string
	managerID string

	players            []Player
	settings           *Settings
	availableCountries []string
	started            bool
	ended              bool

	clients map[*Client]bool

	createdAt  time.Time
	lastActive time.Time

	mu sync.Mutex
}

func newRoom(managerID string) *Room {
	now := time.Now()
	return &Room{
		managerID:  managerID,
		clients:    make(map[*Client]bool),
		createdAt:  now,
		lastActive: now,
	}
}

// broadcastLocked sends msg to every connection subscribed to the room,
// dropping connections whose send buffer is full. Assumes r.mu is held.
func (r *Room) broadcastLocked(msg any) {
	for client := range r.clients {
		if !client.deliver(msg) {
			delete(r.clients, client)
			client.close()
		}
	}
}

func (r *Room) playerListLocked() PlayerListMessage {
	players := make([]Player, len(r.players))
	copy(players, r.players)

	return PlayerListMessage{
		Type:    "player_list",
		Players: players,
	}
}

func (r *Room) findPlayerLocked(id string) *Player {
	for i := range r.players {
		if r.players[i].ID == id {
			return &r.players[i]
		}
	}
	return nil
}

// closeAll disconnects all clients of this room (used by reaper).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		c.close()
		delete(r.clients, c)
	}
}

// RoomManager owns the set of rooms and the connection → room index, so
// each quiz session is isolated and disconnects don't scan every room.
type RoomManager struct {
	cfg  *Config
	data *Dataset

	mu          sync.Mutex
	rooms       map[string]*Room
	memberships map[*Client]map[string]bool
}

func newRoomManager(cfg *Config, data *Dataset) *RoomManager {
	m := &RoomManager{
		cfg:         cfg,
		data:        data,
		rooms:       make(map[string]*Room),
		memberships: make(map[*Client]map[string]bool),
	}
	if cfg.sessionTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const roomIDLength = 6

func randomRoomID() string {
	const max = byte(255 - (256 % len(roomIDAlphabet)))

	out := make([]byte, 0, roomIDLength)
	buf := make([]byte, roomIDLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, roomIDAlphabet[int(b)%len(roomIDAlphabet)])
				if len(out) == roomIDLength {
					return string(out)
				}
			}
		}
	}
}

// register generates a collision-checked room code and inserts the new
// room, subscribing its creator.
func (m *RoomManager) register(c *Client, room *Room) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		id = randomRoomID()
		if _, exists := m.rooms[id]; !exists {
			break
		}
	}

	room.id = id
	room.clients[c] = true
	m.rooms[id] = room
	m.subscribeLocked(c, id)

	return id
}

func (m *RoomManager) getRoom(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rooms[roomID]
}

func (m *RoomManager) removeRoom(roomID string) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()

	if ok {
		go room.closeAll()
	}
}

func (m *RoomManager) subscribeLocked(c *Client, roomID string) {
	if m.memberships[c] == nil {
		m.memberships[c] = make(map[string]bool)
	}
	m.memberships[c][roomID] = true
}

func (m *RoomManager) subscribe(c *Client, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribeLocked(c, roomID)
}

// send delivers a message to a single client, dropping it if the client
// can't keep up.
func (m *RoomManager) send(c *Client, msg any) {
	if !c.deliver(msg) {
		c.close()
	}
}

func (m *RoomManager) sendError(c *Client, message string) {
	m.send(c, ErrorMessage{
		Type:    "error",
		Message: message,
	})
}

// newSettings normalizes a settings intent, filling in the configured
// default year and a sane pick limit.
func (m *RoomManager) newSettings(msg ClientMessage) Settings {
	s := Settings{
		Product:      strings.TrimSpace(msg.Product),
		Year:         msg.Year,
		NumCountries: msg.NumCountries,
	}
	if s.Year == 0 {
		s.Year = m.cfg.defaultYear
	}
	if s.NumCountries < 1 {
		s.NumCountries = 3
	}
	return s
}

// handleCreateRoom processes "create_room" intents. Settings may be
// provided inline; without them the room starts unconfigured.
func (m *RoomManager) handleCreateRoom(c *Client, msg ClientMessage) {
	if m.data.Len() == 0 {
		m.sendError(c, "No production data is loaded yet.")
		return
	}

	room := newRoom(c.id)

	if msg.Product != "" {
		settings := m.newSettings(msg)
		room.settings = &settings
		room.availableCountries = m.data.Countries(settings.Product, settings.Year)
	}

	id := m.register(c, room)

	reply := RoomCreatedMessage{
		Type:   "room_created",
		RoomID: id,
	}
	if room.settings != nil {
		reply.Settings = room.settings
		reply.Countries = room.availableCountries
	}
	m.send(c, reply)

	logf(m.cfg, "ROOMS: Created room %s", id)
}

// handleSetSettings processes "set_settings" intents. Allowed until the
// game starts; changing the product or year recomputes the country list.
// A missing room is a no-op rather than an error, so a stale client
// can't make noise in a room that was already reaped.
func (m *RoomManager) handleSetSettings(c *Client, msg ClientMessage) {
	room := m.getRoom(msg.RoomID)
	if room == nil {
		logf(m.cfg, "ROOMS: Dropped settings for unknown room %q", msg.RoomID)
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.started || room.ended {
		return
	}

	settings := m.newSettings(msg)
	if settings.Product == "" {
		return
	}

	room.settings = &settings
	room.availableCountries = m.data.Countries(settings.Product, settings.Year)
	room.lastActive = time.Now()

	room.broadcastLocked(SettingsUpdatedMessage{
		Type:     "settings_updated",
		Settings: settings,
	})
	room.broadcastLocked(CountriesListMessage{
		Type:      "countries_list",
		Countries: room.availableCountries,
	})

	logf(m.cfg, "ROOMS: Room %s now playing %q (%d)", room.id, settings.Product, settings.Year)
}

// handleJoinRoom processes "join_room" intents. Joining twice on the
// same connection renames the existing entry instead of duplicating it;
// a finished room no longer accepts players.
func (m *RoomManager) handleJoinRoom(c *Client, msg ClientMessage) {
	room := m.getRoom(msg.RoomID)
	if room == nil {
		m.sendError(c, "Room not found")
		return
	}

	room.mu.Lock()

	if room.ended {
		room.mu.Unlock()
		m.sendError(c, "That game has already finished")
		return
	}

	if existing := room.findPlayerLocked(c.id); existing != nil {
		existing.Name = msg.Name
	} else {
		room.players = append(room.players, Player{
			ID:        c.id,
			Name:      msg.Name,
			Countries: []string{},
		})
	}

	room.clients[c] = true
	room.lastActive = time.Now()

	room.broadcastLocked(room.playerListLocked())

	if room.settings != nil {
		m.send(c, SettingsUpdatedMessage{
			Type:     "settings_updated",
			Settings: *room.settings,
		})
		m.send(c, CountriesListMessage{
			Type:      "countries_list",
			Countries: room.availableCountries,
		})
	}

	room.mu.Unlock()

	m.subscribe(c, room.id)

	logf(m.cfg, "ROOMS: Player %q joined %s", msg.Name, room.id)
}

// handleStartGame processes "start_game" intents. A no-op until the room
// has settings, and once the game is running or over.
func (m *RoomManager) handleStartGame(c *Client, msg ClientMessage) {
	room := m.getRoom(msg.RoomID)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.settings == nil || room.started || room.ended {
		return
	}

	room.started = true
	room.lastActive = time.Now()

	room.broadcastLocked(GameStartedMessage{
		Type:     "game_started",
		Settings: *room.settings,
	})
	room.broadcastLocked(CountriesListMessage{
		Type:      "countries_list",
		Countries: room.availableCountries,
	})

	logf(m.cfg, "ROOMS: Room %s started", room.id)
}

// handleSelectCountry processes "select_country" intents. Picks outside
// the country list, duplicates, and picks past the limit are silently
// ignored, so selecting is idempotent.
func (m *RoomManager) handleSelectCountry(c *Client, msg ClientMessage) {
	room := m.getRoom(msg.RoomID)
	if room == nil {
		m.sendError(c, "Room not found")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.settings == nil || room.ended {
		return
	}

	player := room.findPlayerLocked(c.id)
	if player == nil {
		return
	}

	pick := foldKey(msg.Country)
	canonical, found := lo.Find(room.availableCountries, func(country string) bool {
		return foldKey(country) == pick
	})
	if !found {
		return
	}

	if len(player.Countries) >= room.settings.NumCountries {
		return
	}
	if lo.ContainsBy(player.Countries, func(country string) bool {
		return foldKey(country) == pick
	}) {
		return
	}

	player.Countries = append(player.Countries, canonical)
	room.lastActive = time.Now()

	room.broadcastLocked(room.playerListLocked())
}

// handleEndGame processes "end_game" intents: scores the roster against
// the dataset slice for the room's settings and broadcasts the result.
// The room is frozen afterwards.
func (m *RoomManager) handleEndGame(c *Client, msg ClientMessage) {
	room := m.getRoom(msg.RoomID)
	if room == nil {
		m.sendError(c, "Room not found")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.settings == nil || room.ended {
		return
	}

	filtered := m.data.Slice(room.settings.Product, room.settings.Year)
	if len(filtered) == 0 {
		m.sendError(c, "No production data found for this product and year!")
		return
	}

	result := scoreGame(filtered, room.players)

	scored := make(map[string]Player, len(result.Leaderboard))
	for _, p := range result.Leaderboard {
		scored[p.ID] = p
	}
	for i := range room.players {
		if p, ok := scored[room.players[i].ID]; ok {
			room.players[i].Score = p.Score
			room.players[i].Percentage = p.Percentage
		}
	}

	room.ended = true
	room.lastActive = time.Now()

	room.broadcastLocked(GameEndedMessage{
		Type:       "game_ended",
		Settings:   *room.settings,
		GameResult: result,
	})

	logf(m.cfg, "ROOMS: Room %s ended, world total %.1f", room.id, result.TotalWorld)
}

// handleGetProducts sends the distinct product list to the requester.
func (m *RoomManager) handleGetProducts(c *Client) {
	if m.data.Len() == 0 {
		m.sendError(c, "No production data is loaded yet.")
		return
	}

	m.send(c, ProductsListMessage{
		Type:     "products_list",
		Products: m.data.Products(),
	})
}

// disconnect removes the connection from every room it subscribed to,
// pruning its player entry and rebroadcasting the roster.
func (m *RoomManager) disconnect(c *Client) {
	m.mu.Lock()
	roomIDs := m.memberships[c]
	delete(m.memberships, c)
	m.mu.Unlock()

	for roomID := range roomIDs {
		room := m.getRoom(roomID)
		if room == nil {
			continue
		}

		room.mu.Lock()

		delete(room.clients, c)

		dst := room.players[:0]
		changed := false
		for _, p := range room.players {
			if p.ID == c.id {
				changed = true
				continue
			}
			dst = append(dst, p)
		}
		room.players = dst

		if changed {
			room.lastActive = time.Now()
			room.broadcastLocked(room.playerListLocked())
		}

		room.mu.Unlock()
	}
}

// reaperLoop periodically removes rooms that have been idle longer than
// the configured session timeout.
func (m *RoomManager) reaperLoop() {
	ticker := time.NewTicker(m.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-m.cfg.sessionTimeout)

		m.mu.Lock()
		stale := make(map[string]time.Duration)
		for id, room := range m.rooms {
			room.mu.Lock()
			last := room.lastActive
			age := time.Since(room.createdAt)
			room.mu.Unlock()

			if last.Before(cutoff) {
				stale[id] = age
			}
		}
		m.mu.Unlock()

		for id, age := range stale {
			logf(m.cfg, "ROOMS: Reaped idle room %s after %s", id, age.Round(time.Second))
			m.removeRoom(id)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler; every connection gets its own identity, which
// doubles as the player ID in any room it joins.
func serveWSForManager(m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			done: make(chan struct{}),
			id:   uuid.NewString(),
		}

		go client.writePump()
		client.readPump(m)
	}
}

func (c *Client) readPump(m *RoomManager) {
	defer func() {
		m.disconnect(c)
		c.close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create_room":
			m.handleCreateRoom(c, msg)
		case "set_settings":
			m.handleSetSettings(c, msg)
		case "join_room":
			m.handleJoinRoom(c, msg)
		case "start_game":
			m.handleStartGame(c, msg)
		case "select_country":
			m.handleSelectCountry(c, msg)
		case "end_game":
			m.handleEndGame(c, msg)
		case "get_products":
			m.handleGetProducts(c)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// QR handler: generates a PNG QR code linking to the quiz page with the
// room code prefilled, using go-qrcode.
func qrHandler(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + path + "#" + roomID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed quiz/index.html
var indexHTML []byte

//go:embed quiz/app.css
var quizCSS []byte

//go:embed quiz/app.js
var quizJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizJS)
	}
}

// registerQuizGame sets up routes so that:
//   - $path               → HTML client (room code via fragment)
//   - $path/ws            → shared WebSocket endpoint
//   - $path/qr/:roomid    → PNG QR code linking to that room
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router, data *Dataset) {
	m := newRoomManager(cfg, data)

	// Client view (HTML)
	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets
	mux.GET(cfg.prefix+"/assets/quiz/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", getJsHandler(cfg))

	// Shared websocket; intents are room-scoped
	mux.GET(cfg.prefix+path+"/ws", serveWSForManager(m))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/qr/:roomid", qrHandler(cfg, path))
}
