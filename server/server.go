package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatserver/metrics"
	"chatserver/protocol"

	"github.com/rs/zerolog/log"
)

// Server terminates the chat protocol. All shared state (presence, groups,
// read markers, dedup) is owned by a single loop goroutine; connection
// goroutines only read and write bytes and hand decoded frames to the loop.
type Server struct {
	store  Store
	config *ServerConfig

	events chan event
	quit   chan struct{}
	done   chan struct{}
	stop   sync.Once

	listenerMu sync.Mutex
	listener   net.Listener

	nextClientID atomic.Uint64

	// Owned by the loop.
	clients  map[*client]struct{}
	presence *presence
	groups   *groupManager
	friends  *friendGraph
	reads    *readTracker
	dedup    *dedupWindow
}

type ServerConfig struct {
	Port               int
	ReadTimeout        time.Duration // idle limit, 0 disables
	WriteTimeout       time.Duration
	QueryTimeout       time.Duration
	SendQueueSize      int
	DedupWindow        time.Duration
	PublicHistoryLimit int
	SearchLimit        int
}

type client struct {
	id     uint64
	conn   net.Conn
	remote string
	out    chan string
	closed bool // loop-owned
}

type eventKind int

const (
	evConnect eventKind = iota
	evCommand
	evDisconnect
	evCall
)

type event struct {
	kind   eventKind
	client *client
	frame  string
	call   func()
}

// New warms the caches from the store and starts the server loop. Traffic
// is only accepted once the caches are complete.
func New(ctx context.Context, store Store, config *ServerConfig) (*Server, error) {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 3 * time.Second
	}
	if config.SendQueueSize == 0 {
		config.SendQueueSize = 256
	}
	if config.PublicHistoryLimit == 0 {
		config.PublicHistoryLimit = 50
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 50
	}

	s := &Server{
		store:   store,
		config:  config,
		events:  make(chan event, 1024),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
		dedup:   newDedupWindow(config.DedupWindow),
	}
	s.presence = newPresence(store)
	s.groups = newGroupManager(store, s.presence, s)
	s.friends = &friendGraph{store: store, presence: s.presence}
	s.reads = &readTracker{store: store, presence: s.presence, groups: s.groups}

	if err := s.loadCaches(ctx); err != nil {
		return nil, err
	}

	go s.loop()
	return s, nil
}

func (s *Server) loadCaches(ctx context.Context) error {
	if err := s.presence.load(ctx); err != nil {
		return err
	}
	if err := s.groups.load(ctx); err != nil {
		return err
	}
	log.Info().Int("users", len(s.presence.users)).Int("chats", len(s.groups.chats)).Msg("caches loaded")
	return nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	defer listener.Close()

	log.Info().Int("port", s.config.Port).Msg("chat server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting connection")
			continue
		}

		go s.handleConnection(conn)
	}
}

// Close stops the loop and the listener without notifying clients.
func (s *Server) Close() {
	s.stop.Do(func() {
		close(s.quit)
		s.listenerMu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.listenerMu.Unlock()
	})
	<-s.done
}

// Shutdown tells every client why the server is going away, lets their send
// queues drain, and then stops the server.
func (s *Server) Shutdown(reason string) {
	s.call(func() {
		frame := protocol.Format("SERVER_SHUTDOWN", reason)
		for c := range s.clients {
			s.deliver(c, frame)
			s.closeClient(c, true)
		}
	})
	s.Close()
}

// Stats returns server statistics as a formatted string.
func (s *Server) Stats() string {
	var stats string
	s.call(func() {
		stats = "connections=" + strconv.Itoa(len(s.clients)) +
			",online=" + strconv.Itoa(s.presence.onlineCount()) +
			",chats=" + strconv.Itoa(len(s.groups.chats)) +
			",users=" + strings.Join(s.presence.onlineUsers(), ";")
	})
	return stats
}

func (s *Server) loop() {
	defer close(s.done)

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.quit:
			return
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evConnect:
		s.clients[ev.client] = struct{}{}
		metrics.Connections.Inc()
	case evCommand:
		if ev.client.closed {
			return
		}
		s.dispatch(ev.client, ev.frame)
	case evDisconnect:
		s.handleDisconnect(ev.client)
	case evCall:
		ev.call()
	}
}

// submit hands an event to the loop. It fails once the server is stopping.
func (s *Server) submit(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Server) call(fn func()) {
	finished := make(chan struct{})
	if !s.submit(event{kind: evCall, call: func() { fn(); close(finished) }}) {
		return
	}
	select {
	case <-finished:
	case <-s.done:
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{
		id:     s.nextClientID.Add(1),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		out:    make(chan string, s.config.SendQueueSize),
	}
	log.Info().Str("remote", c.remote).Uint64("conn", c.id).Msg("client connected")

	if !s.submit(event{kind: evConnect, client: c}) {
		conn.Close()
		return
	}

	go s.writeLoop(c)
	s.readLoop(c)

	s.submit(event{kind: evDisconnect, client: c})
}

func (s *Server) readLoop(c *client) {
	reader := bufio.NewReader(c.conn)

	for {
		if s.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info().Str("remote", c.remote).Msg("closing idle connection")
			default:
				log.Warn().Err(err).Str("remote", c.remote).Msg("error reading frame")
			}
			return
		}

		if strings.TrimSpace(frame) == "" {
			continue
		}

		if !s.submit(event{kind: evCommand, client: c, frame: frame}) {
			return
		}
	}
}

// writeLoop drains the client's queue. A failed write closes the connection,
// which ends readLoop and produces the disconnect event.
func (s *Server) writeLoop(c *client) {
	broken := false
	for frame := range c.out {
		if broken {
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := protocol.WriteFrame(c.conn, frame); err != nil {
			log.Warn().Err(err).Str("remote", c.remote).Msg("error writing to connection")
			metrics.DroppedConnections.Inc()
			c.conn.Close()
			broken = true
		}
	}
	c.conn.Close()
}

// send queues a reply for c, the connection whose command is being handled.
// Replies may be long runs (history, offline backlog), so a full queue waits
// for the writer up to the write timeout before the connection is dropped.
func (s *Server) send(c *client, frame string) {
	if c == nil || c.closed {
		return
	}
	if len(frame) > protocol.MaxFrameSize {
		log.Warn().Str("remote", c.remote).Int("size", len(frame)).Msg("reply too large")
		frame = protocol.Format("ERROR", "Response too large")
	}

	select {
	case c.out <- frame:
		return
	default:
	}

	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()

	select {
	case c.out <- frame:
	case <-timer.C:
		log.Warn().Str("remote", c.remote).Msg("client stopped reading replies, dropping connection")
		metrics.DroppedConnections.Inc()
		s.closeClient(c, false)
	}
}

// deliver queues a frame c did not ask for. A full queue means the peer is
// not keeping up; that connection is dropped so it cannot hold up anyone else.
func (s *Server) deliver(c *client, frame string) {
	if c == nil || c.closed {
		return
	}
	if len(frame) > protocol.MaxFrameSize {
		log.Warn().Str("remote", c.remote).Int("size", len(frame)).Msg("dropping oversized frame")
		return
	}

	select {
	case c.out <- frame:
	default:
		log.Warn().Str("remote", c.remote).Msg("send queue full, dropping connection")
		metrics.DroppedConnections.Inc()
		s.closeClient(c, false)
	}
}

func (s *Server) sendToUser(username, frame string) {
	if c, ok := s.presence.resolveConnection(username); ok {
		s.deliver(c, frame)
	}
}

// closeClient stops queueing to c. With flush the frames already queued are
// still written before the connection closes.
func (s *Server) closeClient(c *client, flush bool) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
	if !flush {
		c.conn.Close()
	}
}

func (s *Server) handleDisconnect(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	metrics.Connections.Dec()
	s.closeClient(c, true)

	username, ok := s.presence.resolveUsername(c)
	if !ok {
		log.Info().Str("remote", c.remote).Msg("client disconnected")
		return
	}

	s.presence.logout(username)
	s.broadcastUserList()
	log.Info().Str("remote", c.remote).Str("user", username).Msg("client disconnected")
}

// storeContext bounds the store work of one command.
func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.QueryTimeout)
}
