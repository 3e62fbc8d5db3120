package eventpubsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

const (
	peerPath         = "/bus"
	peerWriteTimeout = 5 * time.Second
)

// peerMaxFrameBytes caps one inbound frame; larger frames close the
// connection.
const peerMaxFrameBytes = 64 << 10

type peerFrame struct {
	Topic     eventmodels.Topic `json:"topic"`
	Payload   []byte            `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

type peerConn struct {
	ws      *websocket.Conn
	remote  string
	writeMu sync.Mutex
}

func (c *peerConn) send(frame peerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(peerWriteTimeout)); err != nil {
		return err
	}

	return c.ws.WriteJSON(frame)
}

func (c *peerConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// PeerSession connects directly to other peers over websockets. Peers are
// dialed from Config.Peers and accepted on Config.Listeners. Delivery is one
// hop: frames received from a peer reach local subscribers only.
type PeerSession struct {
	id       string
	router   *router
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*peerConn]struct{}
	servers   []*http.Server
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

func NewPeerSession(ctx context.Context, cfg Config) (*PeerSession, error) {
	s := &PeerSession{
		id:     uuid.NewString(),
		router: newRouter(),
		conns:  make(map[*peerConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	for _, locator := range cfg.Listeners {
		if err := s.listen(locator); err != nil {
			s.Close()
			return nil, err
		}
	}

	for _, locator := range cfg.Peers {
		if err := s.dial(ctx, locator); err != nil {
			s.Close()
			return nil, err
		}
	}

	log.Infof("peerSession %s: %d listener(s), %d peer(s)", s.id, len(s.listeners), len(cfg.Peers))
	return s, nil
}

// ListenerHostPort turns a listener locator into a host:port for net.Listen.
func ListenerHostPort(locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "tcp/"):
		return strings.TrimPrefix(locator, "tcp/"), nil
	case strings.HasPrefix(locator, "ws://"):
		return strings.SplitN(strings.TrimPrefix(locator, "ws://"), "/", 2)[0], nil
	case strings.Contains(locator, "/"):
		return "", fmt.Errorf("unsupported listener locator %q", locator)
	default:
		return locator, nil
	}
}

// PeerURL turns a peer locator into the websocket URL to dial.
func PeerURL(locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "tcp/"):
		return "ws://" + strings.TrimPrefix(locator, "tcp/") + peerPath, nil
	case strings.HasPrefix(locator, "ws://"), strings.HasPrefix(locator, "wss://"):
		rest := locator[strings.Index(locator, "://")+3:]
		if !strings.Contains(rest, "/") {
			return locator + peerPath, nil
		}
		return locator, nil
	default:
		return "", fmt.Errorf("unsupported peer locator %q", locator)
	}
}

func (s *PeerSession) listen(locator string) error {
	hostPort, err := ListenerHostPort(locator)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return fmt.Errorf("peerSession: failed to listen on %s: %w", locator, err)
	}

	r := mux.NewRouter()
	r.HandleFunc(peerPath, s.accept)

	srv := &http.Server{
		Handler:           otelhttp.NewHandler(r, "tracebus.peer"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("peerSession: listener %s: %v", ln.Addr(), err)
		}
	}()

	log.Infof("peerSession %s: listening on ws://%s%s", s.id, ln.Addr(), peerPath)
	return nil
}

// ListenURLs returns the websocket URLs other peers can dial.
func (s *PeerSession) ListenURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		urls = append(urls, "ws://"+ln.Addr().String()+peerPath)
	}

	return urls
}

func (s *PeerSession) accept(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("peerSession: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.attach(ws, r.RemoteAddr)
}

func (s *PeerSession) dial(ctx context.Context, locator string) error {
	url, err := PeerURL(locator)
	if err != nil {
		return err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("peerSession: failed to dial %s: %w", url, err)
	}

	s.attach(ws, url)
	return nil
}

func (s *PeerSession) attach(ws *websocket.Conn, remote string) {
	ws.SetReadLimit(peerMaxFrameBytes)
	conn := &peerConn{ws: ws, remote: remote}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	log.Infof("peerSession %s: connected to %s", s.id, remote)

	s.wg.Add(1)
	go s.read(conn)
}

func (s *PeerSession) detach(conn *peerConn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	if ok {
		conn.close()
		log.Infof("peerSession %s: disconnected from %s", s.id, conn.remote)
	}
}

func (s *PeerSession) read(conn *peerConn) {
	defer s.wg.Done()
	defer s.detach(conn)

	for {
		var frame peerFrame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warnf("peerSession %s: frame from %s exceeds %d bytes, disconnecting", s.id, conn.remote, peerMaxFrameBytes)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("peerSession %s: read from %s: %v", s.id, conn.remote, err)
			}
			return
		}

		if frame.Topic == "" {
			continue
		}

		s.router.dispatch(eventmodels.Change{
			Kind:      eventmodels.Put,
			Topic:     frame.Topic,
			Payload:   frame.Payload,
			Timestamp: frame.Timestamp,
		})
	}
}

func (s *PeerSession) System() string {
	return "websocket"
}

func (s *PeerSession) Publish(ctx context.Context, topic eventmodels.Topic, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventmodels.ErrSessionClosed
	}
	conns := make([]*peerConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	frame := peerFrame{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}

	s.router.dispatch(eventmodels.Change{
		Kind:      eventmodels.Put,
		Topic:     frame.Topic,
		Payload:   frame.Payload,
		Timestamp: frame.Timestamp,
	})

	for _, conn := range conns {
		if err := conn.send(frame); err != nil {
			log.Warnf("peerSession %s: dropping peer %s: %v", s.id, conn.remote, err)
			s.detach(conn)
		}
	}

	return nil
}

func (s *PeerSession) Subscribe(ctx context.Context, topic eventmodels.Topic) (Subscription, error) {
	sub, err := s.router.add(topic, nil)
	if err != nil {
		return nil, err
	}

	log.Infof("peerSession %s: subscribed to topic %s", s.id, topic)
	return sub, nil
}

func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	conns := make([]*peerConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	servers := s.servers
	s.mu.Unlock()

	s.router.close()

	for _, conn := range conns {
		s.detach(conn)
	}

	var err error
	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = errors.Join(err, srv.Shutdown(ctx))
		cancel()
	}

	s.wg.Wait()
	return err
}
