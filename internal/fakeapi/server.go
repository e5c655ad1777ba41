package fakeapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

// Error codes returned by the fake API
const (
	CodeInvalidUser     = "INVALID_USER"
	CodeInvalidPassword = "INVALID_PASSWORD"
	CodeInvalidLicense  = "INVALID_LICENSE"
	CodeUserExists      = "USER_EXISTS"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
)

const (
	defaultResultSize = 128
	durationEpsilon   = 1e-6
)

// Config contains fake API configuration
type Config struct {
	// LicenseKey is the only license accepted; empty accepts any
	LicenseKey string

	// MaxDurationSeconds overrides the per-mode measurement limit when set
	MaxDurationSeconds float64

	// CloseEarlyAfter closes every measurement after this many accepted
	// chunks, simulating a concurrent measurement under the same license
	CloseEarlyAfter int

	// Layout is the WebSocket response layout
	Layout protocol.Layout

	// ResultSize is the size of each result payload; it must exceed the
	// acknowledgement length so clients classify it as a payload
	ResultSize int

	// ResultDelay delays result delivery after a chunk is accepted
	ResultDelay time.Duration
}

// MeasurementInfo is a snapshot of a fake measurement
type MeasurementInfo struct {
	ID              string       `json:"ID"`
	StudyID         string       `json:"StudyID"`
	Mode            session.Mode `json:"Mode"`
	Status          string       `json:"Status"`
	Chunks          int          `json:"Chunks"`
	ChunkOrders     []int        `json:"ChunkOrders"`
	DurationSeconds float64      `json:"Duration"`
	Results         int          `json:"Results"`
}

// DataCall records one add-data request as the server saw it
type DataCall struct {
	MeasurementID string
	ChunkOrder    int
	Action        string
	Status        int
}

type subscriber struct {
	conn      *wsConn
	requestID string
}

type measurement struct {
	id          string
	studyID     string
	mode        session.Mode
	maxDuration float64
	consumed    float64
	orders      []int
	closed      bool
	results     [][]byte
	subscribers []subscriber
}

type user struct {
	id       string
	password string
}

// Server is an in-memory DFX API
type Server struct {
	cfg    Config
	logger *slog.Logger

	measurements map[string]*measurement
	created      []string
	users        map[string]user
	deviceTokens map[string]bool
	userTokens   map[string]bool
	calls        []DataCall
	mu           sync.Mutex

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a fake API server
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.ResultSize <= cfg.Layout.AckMaxLength || cfg.ResultSize <= protocol.DefaultAckMaxLength {
		cfg.ResultSize = defaultResultSize
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		measurements: make(map[string]*measurement),
		users:        make(map[string]user),
		deviceTokens: make(map[string]bool),
		userTokens:   make(map[string]bool),
		mux:          http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /organizations/licenses", s.handleRegisterDevice)
	s.mux.HandleFunc("POST /users/auth", s.handleLogin)
	s.mux.HandleFunc("POST /users", s.handleCreateUser)
	s.mux.HandleFunc("POST /measurements", s.handleCreateMeasurement)
	s.mux.HandleFunc("GET /measurements/{id}", s.handleRetrieve)
	s.mux.HandleFunc("POST /measurements/{id}/data", s.handleAddData)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /", s.handleWebSocket)

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddUser registers a user directly
func (s *Server) AddUser(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.users[email] = user{id: id, password: password}
	return id
}

// IssueToken returns a user token without going through login
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := "user-" + uuid.NewString()
	s.userTokens[token] = true
	return token
}

// CreateMeasurement creates a measurement directly and returns its id
func (s *Server) CreateMeasurement(studyID string, mode session.Mode) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMeasurementLocked(studyID, mode)
}

func (s *Server) createMeasurementLocked(studyID string, mode session.Mode) string {
	maxDuration := float64(mode.MaxDurationSeconds())
	if s.cfg.MaxDurationSeconds > 0 {
		maxDuration = s.cfg.MaxDurationSeconds
	}

	id := uuid.NewString()
	s.measurements[id] = &measurement{
		id:          id,
		studyID:     studyID,
		mode:        mode,
		maxDuration: maxDuration,
	}
	s.created = append(s.created, id)

	s.logger.Info("Measurement created",
		slog.String("measurement_id", id),
		slog.String("mode", string(mode)),
		slog.Float64("max_duration", maxDuration),
	)
	return id
}

// Measurement returns a snapshot of one measurement
func (s *Server) Measurement(id string) (MeasurementInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.measurements[id]
	if !ok {
		return MeasurementInfo{}, false
	}
	return m.info(), true
}

// Measurements returns snapshots of all measurements in creation order
func (s *Server) Measurements() []MeasurementInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MeasurementInfo, 0, len(s.created))
	for _, id := range s.created {
		out = append(out, s.measurements[id].info())
	}
	return out
}

// DataCalls returns every add-data request in arrival order
func (s *Server) DataCalls() []DataCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DataCall(nil), s.calls...)
}

func (m *measurement) info() MeasurementInfo {
	status := "ACTIVE"
	if m.closed {
		status = "CLOSED"
	}
	return MeasurementInfo{
		ID:              m.id,
		StudyID:         m.studyID,
		Mode:            m.mode,
		Status:          status,
		Chunks:          len(m.orders),
		ChunkOrders:     append([]int(nil), m.orders...),
		DurationSeconds: m.consumed,
		Results:         len(m.results),
	}
}

// addData applies one chunk to a measurement and returns the status and
// error code to answer with
func (s *Server) addData(id string, req *protocol.DataRequest) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.measurements[id]
	if !ok {
		s.calls = append(s.calls, DataCall{MeasurementID: id, ChunkOrder: req.ChunkOrder, Action: req.Action, Status: http.StatusNotFound})
		return http.StatusNotFound, CodeNotFound
	}

	full := m.consumed+req.Duration > m.maxDuration+durationEpsilon
	early := s.cfg.CloseEarlyAfter > 0 && len(m.orders) >= s.cfg.CloseEarlyAfter
	if m.closed || full || early {
		if !m.closed {
			s.logger.Info("Measurement closed",
				slog.String("measurement_id", id),
				slog.Float64("duration", m.consumed),
				slog.Int("chunks", len(m.orders)),
			)
		}
		m.closed = true
		s.calls = append(s.calls, DataCall{MeasurementID: id, ChunkOrder: req.ChunkOrder, Action: req.Action, Status: http.StatusBadRequest})
		return http.StatusBadRequest, protocol.CodeMeasurementClosed
	}

	m.consumed += req.Duration
	m.orders = append(m.orders, req.ChunkOrder)
	s.calls = append(s.calls, DataCall{MeasurementID: id, ChunkOrder: req.ChunkOrder, Action: req.Action, Status: http.StatusOK})

	result := s.buildResult(m, req)
	m.results = append(m.results, result)

	subs := append([]subscriber(nil), m.subscribers...)
	if s.cfg.ResultDelay > 0 {
		time.AfterFunc(s.cfg.ResultDelay, func() { s.publish(subs, result) })
	} else {
		s.publish(subs, result)
	}
	return http.StatusOK, ""
}

func (s *Server) buildResult(m *measurement, req *protocol.DataRequest) []byte {
	data, _ := json.Marshal(map[string]any{
		"MeasurementID": m.id,
		"ChunkOrder":    req.ChunkOrder,
		"Action":        req.Action,
		"StartTime":     req.StartTime,
		"EndTime":       req.EndTime,
	})
	if pad := s.cfg.ResultSize - len(data); pad > 0 {
		data = append(data, strings.Repeat(" ", pad)...)
	}
	return data
}

func (s *Server) publish(subs []subscriber, result []byte) {
	for _, sub := range subs {
		if err := sub.conn.send(protocol.ActionSubscribeResults, sub.requestID, http.StatusOK, result); err != nil {
			s.logger.Warn("Failed to push result", slog.String("error", err.Error()))
		}
	}
}

// subscribe attaches a connection to a measurement, confirms the
// subscription and replays results the measurement already produced
func (s *Server) subscribe(id string, sub subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.measurements[id]
	if !ok {
		return sub.conn.send(protocol.ActionSubscribeResults, sub.requestID, http.StatusNotFound, []byte(CodeNotFound))
	}
	m.subscribers = append(m.subscribers, sub)

	if err := sub.conn.send(protocol.ActionSubscribeResults, sub.requestID, http.StatusOK, nil); err != nil {
		return err
	}
	for _, result := range m.results {
		if err := sub.conn.send(protocol.ActionSubscribeResults, sub.requestID, http.StatusOK, result); err != nil {
			return err
		}
	}

	s.logger.Info("Results subscribed",
		slog.String("measurement_id", id),
		slog.String("request_id", sub.requestID),
		slog.Int("replayed", len(m.results)),
	)
	return nil
}

func (s *Server) detach(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.measurements {
		kept := m.subscribers[:0]
		for _, sub := range m.subscribers {
			if sub.conn != c {
				kept = append(kept, sub)
			}
		}
		m.subscribers = kept
	}
}

// results returns the JSON document of a measurement
func (s *Server) results(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.measurements[id]
	if !ok {
		return nil, false
	}

	results := make([]json.RawMessage, 0, len(m.results))
	for _, r := range m.results {
		results = append(results, json.RawMessage(strings.TrimRight(string(r), " ")))
	}
	doc := struct {
		MeasurementInfo
		ResultData []json.RawMessage `json:"ResultData"`
	}{m.info(), results}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Users returns the registered user emails, sorted
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.users))
	for email := range s.users {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

func (s *Server) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("FakeAPI{Measurements:%d, Users:%d, DataCalls:%d}", len(s.measurements), len(s.users), len(s.calls))
}
