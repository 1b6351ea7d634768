// Package testserver provides a scriptable save server for exercising clients in
// tests. It records every request block it receives and answers with a canned
// reply, raw bytes, or nothing at all.
package testserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/liveview/lvsave/internal/codec"
	"github.com/liveview/lvsave/internal/protocol"
)

// Reply describes how the server answers one request.
type Reply struct {
	// Payload is compressed into a block and sent. Ignored when Raw is set.
	Payload []byte

	// Raw is written to the connection as-is, without framing.
	Raw []byte

	// Silent sends nothing.
	Silent bool

	// Delay is waited before replying.
	Delay time.Duration
}

// StatusReply returns a reply carrying {"status":status,"message":message}.
func StatusReply(status int, message string) Reply {
	payload, _ := protocol.EncodeResponse(protocol.SaveResponse{Status: status, Message: message, HasStatus: true})
	return Reply{Payload: payload}
}

// JSONReply returns a reply carrying doc verbatim.
func JSONReply(doc string) Reply {
	return Reply{Payload: []byte(doc)}
}

// RawReply returns a reply that writes b without block framing.
func RawReply(b []byte) Reply {
	return Reply{Raw: b}
}

// SilentReply returns a reply that sends nothing.
func SilentReply() Reply {
	return Reply{Silent: true}
}

// Request is one block received by the server.
type Request struct {
	Payload []byte
	Save    protocol.SaveRequest
	Err     error // decode error, if the payload is not a valid save request
}

// Server is a mock save server listening on a loopback port.
type Server struct {
	listener net.Listener

	mu           sync.Mutex
	requests     []Request
	queue        []Reply
	defaultReply Reply
	conns        map[net.Conn]struct{}
	accepted     int

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Start listens on 127.0.0.1 with a random port. The default reply is 200 "OK".
func Start() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		listener:     listener,
		defaultReply: StatusReply(protocol.StatusOK, "OK"),
		conns:        make(map[net.Conn]struct{}),
		done:         make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return port
}

// SetDefaultReply sets the reply used once the queue is empty.
func (s *Server) SetDefaultReply(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultReply = r
}

// Queue appends replies that are used, in order, for the next requests.
func (s *Server) Queue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// Requests returns a copy of all requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Request, len(s.requests))
	copy(result, s.requests)
	return result
}

// Accepted returns how many connections were accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitForRequests waits until at least n requests were received (with timeout).
func (s *Server) WaitForRequests(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.requests)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}

	return false
}

// DropConnections closes every open connection but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the server and closes all connections.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.DropConnections()
		s.wg.Wait()
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		payload, err := codec.ReadBlock(reader)
		if err != nil {
			return
		}

		req := Request{Payload: payload}
		req.Save, req.Err = protocol.DecodeRequest(payload)

		s.mu.Lock()
		s.requests = append(s.requests, req)
		reply := s.defaultReply
		if len(s.queue) > 0 {
			reply = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-s.done:
				return
			}
		}

		switch {
		case reply.Silent:
			continue
		case reply.Raw != nil:
			_, err = conn.Write(reply.Raw)
		default:
			err = codec.WriteBlock(conn, reply.Payload)
		}
		if err != nil {
			return
		}
	}
}
