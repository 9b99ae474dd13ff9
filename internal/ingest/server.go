// Package ingest принимает долгоживущие TCP-соединения от коллекторов и
// демультиплексирует кадрированные записи в события.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"sharewatch/internal/metrics"
	"sharewatch/internal/parser"
	"sharewatch/internal/tracker"
)

// connection — состояние одного подключения коллектора.
type connection struct {
	nodeID   string
	addr     string
	conn     net.Conn
	lastSeen time.Time
}

// Server — TCP-сервер приёма логов от коллекторов на нодах.
type Server struct {
	addr             string
	maxLineBytes     int
	idleTimeout      time.Duration
	tracker          *tracker.Tracker
	subnetGrouping   bool

	mu          sync.RWMutex
	connections map[*connection]struct{}

	listener net.Listener
}

// New создаёт ingest-сервер, ещё не запущенный.
func New(addr string, maxLineBytes int, idleTimeout time.Duration, t *tracker.Tracker, subnetGrouping bool) *Server {
	return &Server{
		addr:           addr,
		maxLineBytes:   maxLineBytes,
		idleTimeout:    idleTimeout,
		tracker:        t,
		subnetGrouping: subnetGrouping,
		connections:    make(map[*connection]struct{}),
	}
}

// Listen привязывает слушающий сокет синхронно, чтобы вызывающий код (main) мог
// завершиться с ненулевым кодом при неиспользуемом порте (§6 Exit codes), не дожидаясь
// первой ошибки внутри фоновой горутины Run.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("Ingest-сервер запущен на %s", s.addr)
	return nil
}

// Run обслуживает уже привязанный (или привязывает его сам) слушающий сокет и
// блокируется до отмены ctx или фатальной ошибки accept.
func (s *Server) Run(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()

	if err := s.Listen(ctx); err != nil {
		return err
	}
	ln := s.listener

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("ingest: ошибка accept: %v", err)
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	c := &connection{
		nodeID:   "unknown-" + hostOnly(addr),
		addr:     addr,
		conn:     conn,
		lastSeen: time.Now(),
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	metrics.ConnectedNodes.Set(float64(len(s.connections)))
	s.mu.Unlock()

	log.Printf("ingest: новое подключение от %s", addr)

	defer func() {
		s.mu.Lock()
		delete(s.connections, c)
		metrics.ConnectedNodes.Set(float64(len(s.connections)))
		s.mu.Unlock()
		conn.Close()
		log.Printf("ingest: соединение с %s (%s) закрыто", addr, c.nodeID)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.maxLineBytes)

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					metrics.LinesRejectedTotal.WithLabelValues("REJECT_OVERSIZE").Inc()
					log.Printf("ingest: запись от %s превышает максимальный размер (%d байт), соединение закрыто", addr, s.maxLineBytes)
				} else {
					metrics.IngestErrorsTotal.Inc()
				}
			}
			return
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		nodeID, rawLine, ok := splitRecord(line)
		if !ok {
			metrics.LinesRejectedTotal.WithLabelValues("REJECT_MALFORMED").Inc()
			continue
		}

		now := time.Now()
		c.lastSeen = now
		if c.nodeID != nodeID {
			c.nodeID = nodeID
			log.Printf("ingest: нода идентифицирована: %s", nodeID)
		}

		event, err := parser.Parse(rawLine, nodeID, now)
		if err != nil {
			if pe, ok := err.(*parser.ParseError); ok {
				metrics.LinesRejectedTotal.WithLabelValues(string(pe.Reason)).Inc()
			}
			continue
		}

		canonicalIP := parser.CanonicalizeIP(event.SourceIP, s.subnetGrouping)
		s.tracker.Record(event, canonicalIP, now)
		metrics.LinesParsedTotal.Inc()
	}
}

// splitRecord разбивает кадр NODE_NAME|raw_log_line по первому '|'.
func splitRecord(line string) (nodeID, rawLine string, ok bool) {
	idx := strings.IndexByte(line, '|')
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+1:], true
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ConnectedNodes возвращает снимок идентификаторов подключённых нод.
func (s *Server) ConnectedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]string, 0, len(s.connections))
	seen := make(map[string]struct{})
	for c := range s.connections {
		if _, dup := seen[c.nodeID]; dup {
			continue
		}
		seen[c.nodeID] = struct{}{}
		nodes = append(nodes, c.nodeID)
	}
	return nodes
}

// ConnectionCount возвращает число активных подключений.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
