package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/rs/zerolog"
)

// Version is the only message version accepted
const Version = 1

// MaxMessageSize bounds a frame body
const MaxMessageSize = 1 << 20

// DefaultTimeout bounds reading a message and writing its reply
const DefaultTimeout = 10 * time.Second

// ErrFrameTooLarge is returned for a frame over MaxMessageSize
var ErrFrameTooLarge = errors.New("notification frame too large")

// Message is one notification
type Message struct {
	Version int             `json:"version"`
	Type    string          `json:"notify-type"`
	Data    json.RawMessage `json:"notify-data"`
}

// Status is the aggregated outcome echoed back to the sender
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// Reply is written back before the connection is closed
type Reply struct {
	Version int    `json:"version"`
	Type    string `json:"notify-type,omitempty"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Callback handles the data of one notification type
type Callback func(data json.RawMessage) error

// Server accepts one length-prefixed message per connection, routes it
// to the callbacks registered for its type and replies with the
// aggregated status
type Server struct {
	addr     string
	timeout  time.Duration
	listener net.Listener
	mu       sync.RWMutex
	routes   map[string][]Callback
	running  bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewServer creates a server for addr
func NewServer(addr string) *Server {
	return &Server{
		addr:    addr,
		timeout: DefaultTimeout,
		routes:  make(map[string][]Callback),
		logger:  log.WithComponent("notify"),
	}
}

// Register adds a callback for notifyType
func (s *Server) Register(notifyType string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[notifyType] = append(s.routes[notifyType], cb)
}

// Start listens and accepts connections in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("notification listener already running")
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.accept(lis)

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Notification listener started")
	metrics.RegisterComponent("notify", true, "")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for open connections to finish
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Notification listener stopped")
	return err
}

func (s *Server) accept(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var reply Reply
	var msg Message
	if err := ReadFrame(conn, &msg); err != nil {
		// Hung up before the length prefix: a reachability check
		if errors.Is(err, io.EOF) {
			return
		}
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Unreadable notification")
		reply = Reply{Version: Version, Status: StatusRejected, Reason: err.Error()}
	} else {
		reply = s.Dispatch(&msg)
	}

	if err := WriteFrame(conn, reply); err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Failed to send notification reply")
	}
}

// Dispatch routes msg to its callbacks. Every callback runs; the status
// is success only when all of them succeed.
func (s *Server) Dispatch(msg *Message) Reply {
	reply := Reply{Version: Version, Type: msg.Type}
	if msg.Version != Version {
		reply.Status = StatusRejected
		reply.Reason = fmt.Sprintf("unsupported version %d", msg.Version)
		return reply
	}

	s.mu.RLock()
	callbacks := append([]Callback(nil), s.routes[msg.Type]...)
	s.mu.RUnlock()
	if len(callbacks) == 0 {
		reply.Status = StatusRejected
		reply.Reason = fmt.Sprintf("no handler for %q", msg.Type)
		return reply
	}

	var reasons []string
	for _, cb := range callbacks {
		if err := cb(msg.Data); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	reply.Status = StatusSuccess
	if len(reasons) > 0 {
		reply.Status = StatusFailed
		reply.Reason = strings.Join(reasons, "; ")
	}
	s.logger.Debug().
		Str("notify_type", msg.Type).
		Str("status", string(reply.Status)).
		Int("callbacks", len(callbacks)).
		Msg("Notification dispatched")
	return reply
}

// WriteFrame writes v as JSON behind a 4-byte big-endian length
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(body) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v
func ReadFrame(r io.Reader, v any) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return fmt.Errorf("failed to read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxMessageSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

// Send delivers one message to addr and returns the reply
func Send(ctx context.Context, addr string, msg *Message) (*Reply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, msg); err != nil {
		return nil, err
	}
	var reply Reply
	if err := ReadFrame(conn, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
