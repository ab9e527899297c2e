package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler produces the verdict for one request. file is the descriptor
// received with the request, or nil when none arrived; the server closes it.
type Handler func(req *ScanRequest, file *os.File) *ScanResponse

// Server answers scan requests on a unix stream socket.
type Server struct {
	path    string
	handler Handler

	mu       sync.Mutex
	listener *net.UnixListener
	conns    map[*net.UnixConn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for the socket at path.
func NewServer(path string, handler Handler) *Server {
	return &Server{path: path, handler: handler, conns: make(map[*net.UnixConn]struct{})}
}

// Listen binds the socket, replacing a stale one.
func (s *Server) Listen() error {
	os.Remove(s.path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn *net.UnixConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	for {
		req, file, err := ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithFields(log.Fields{"error": err}).Error("Read request error")
			}
			return
		}
		resp := s.handler(req, file)
		if file != nil {
			file.Close()
		}
		if resp == nil {
			resp = &ScanResponse{}
		}
		if err := WriteResponse(conn, resp); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("Send response error")
			return
		}
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}
