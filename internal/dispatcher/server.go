package dispatcher

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teemoapi/teemo/internal/config"
)

// Server is the dispatcher daemon: the public API listener and the private
// worker listener, sharing one task registry and one worker registry.
type Server struct {
	apiAddr    string
	workerAddr string

	tasks       *TaskRegistry
	workers     *WorkerRegistry
	credentials *CredentialPool

	log zerolog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// APIAddr reports the bound API listener address, empty before Run.
func (s *Server) APIAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) < 2 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

// WorkerAddr reports the bound worker listener address, empty before Run.
func (s *Server) WorkerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) < 2 {
		return ""
	}
	return s.listeners[1].Addr().String()
}

func NewServer(cfg *config.Dispatcher, log zerolog.Logger) *Server {
	accounts := make([]Credentials, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, Credentials{Username: a.Username, Password: a.Password})
	}
	return &Server{
		apiAddr:     fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.APIPort),
		workerAddr:  fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.WorkerPort),
		tasks:       NewTaskRegistry(cfg.TaskTimeout, log),
		workers:     NewWorkerRegistry(),
		credentials: NewCredentialPool(accounts),
		log:         log,
	}
}

// Run opens both listeners and serves until Close. It returns the first
// accept-loop error after shutdown.
func (s *Server) Run() error {
	apiLn, err := net.Listen("tcp", s.apiAddr)
	if err != nil {
		return fmt.Errorf("api listener: %w", err)
	}
	workerLn, err := net.Listen("tcp", s.workerAddr)
	if err != nil {
		apiLn.Close()
		return fmt.Errorf("worker listener: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		apiLn.Close()
		workerLn.Close()
		return fmt.Errorf("server already closed")
	}
	s.listeners = append(s.listeners, apiLn, workerLn)
	s.mu.Unlock()

	s.log.Info().Str("api", s.apiAddr).Str("workers", s.workerAddr).
		Int("accounts", s.credentials.Available()).Msg("Dispatcher listening")

	errc := make(chan error, 2)
	go func() { errc <- s.acceptAPI(apiLn) }()
	go func() { errc <- s.acceptWorkers(workerLn) }()

	err = <-errc
	s.Close()
	<-errc
	if s.isClosed() {
		return nil
	}
	return err
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptAPI(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleAPIConn(conn)
	}
}

func (s *Server) acceptWorkers(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go newWorkerConn(conn, s).run()
	}
}

// handleAPIConn serves exactly one request. The availability check runs
// before any parsing: with no worker attached every path gets a 503.
func (s *Server) handleAPIConn(conn net.Conn) {
	if !s.workers.HasAvailable() {
		s.writeAndClose(conn, responseUnavailable())
		return
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReaderSize(conn, 4096).ReadString('\n')
	if err != nil && line == "" {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	path, ok := parseRequestLine(line)
	if !ok {
		s.writeAndClose(conn, responseUnavailable())
		return
	}
	if !s.route(path, conn) {
		s.writeAndClose(conn, responseBadRequest())
	}
}

// parseRequestLine accepts "GET <path> HTTP/1.x" and nothing else.
func parseRequestLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "GET ") {
		return "", false
	}
	rest := line[len("GET "):]
	end := strings.Index(rest, " HTTP")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

func (s *Server) writeAndClose(conn net.Conn, response []byte) {
	if _, err := conn.Write(response); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
	conn.Close()
}
