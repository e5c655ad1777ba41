package fakeapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

const writeWait = 5 * time.Second

type registerRequest struct {
	Key          string `json:"Key"`
	DeviceTypeID string `json:"DeviceTypeID"`
	Name         string `json:"Name"`
	Identifier   string `json:"Identifier"`
	Version      string `json:"Version"`
}

type loginRequest struct {
	Email    string `json:"Email"`
	Password string `json:"Password"`
}

type createUserRequest struct {
	Email     string `json:"Email"`
	Password  string `json:"Password"`
	FirstName string `json:"FirstName"`
	LastName  string `json:"LastName"`
}

type createMeasurementRequest struct {
	StudyID       string `json:"StudyID"`
	Resolution    int    `json:"Resolution"`
	UserProfileID string `json:"UserProfileID"`
	Mode          string `json:"Mode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.RESTResponse{Code: code, Message: message})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) authorized(r *http.Request, allowDevice bool) bool {
	token := bearer(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTokens[token] || (allowDevice && s.deviceTokens[token])
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if s.cfg.LicenseKey != "" && req.Key != s.cfg.LicenseKey {
		writeError(w, http.StatusBadRequest, CodeInvalidLicense, "license key is not valid")
		return
	}

	token := "device-" + uuid.NewString()
	s.mu.Lock()
	s.deviceTokens[token] = true
	s.mu.Unlock()

	s.logger.Info("Device registered", slog.String("name", req.Name), slog.String("type", req.DeviceTypeID))
	writeJSON(w, http.StatusOK, protocol.RESTResponse{ID: uuid.NewString(), Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, true) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "device token required")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusBadRequest, CodeInvalidUser, "user does not exist")
	case u.password != req.Password:
		writeError(w, http.StatusBadRequest, CodeInvalidPassword, "password does not match")
	default:
		token := "user-" + uuid.NewString()
		s.mu.Lock()
		s.userTokens[token] = true
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, protocol.RESTResponse{Token: token})
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, true) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "device token required")
		return
	}
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "email is required")
		return
	}

	s.mu.Lock()
	_, exists := s.users[req.Email]
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusBadRequest, CodeUserExists, "user already exists")
		return
	}

	id := s.AddUser(req.Email, req.Password)
	s.logger.Info("User created", slog.String("email", req.Email))
	writeJSON(w, http.StatusOK, protocol.RESTResponse{ID: id})
}

func (s *Server) handleCreateMeasurement(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, false) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "user token required")
		return
	}
	var req createMeasurementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MODE", err.Error())
		return
	}

	id := s.CreateMeasurement(req.StudyID, mode)
	writeJSON(w, http.StatusOK, protocol.RESTResponse{ID: id})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, false) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "user token required")
		return
	}
	data, ok := s.results(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "measurement not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleAddData(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, false) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "user token required")
		return
	}
	var body protocol.RESTDataBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	id := r.PathValue("id")
	status, code := s.addData(id, &protocol.DataRequest{
		MeasurementID: id,
		ChunkOrder:    body.ChunkOrder,
		Action:        body.Action,
		StartTime:     body.StartTime,
		EndTime:       body.EndTime,
		Duration:      body.Duration,
		Meta:          []byte(body.Meta),
		Payload:       body.Payload,
	})
	if status != http.StatusOK {
		writeError(w, status, code, "chunk rejected")
		return
	}
	writeJSON(w, http.StatusOK, protocol.RESTResponse{ID: id})
}

// wsConn serializes writes to one client connection
type wsConn struct {
	conn   *websocket.Conn
	layout protocol.Layout
	mu     sync.Mutex
}

func (c *wsConn) send(actionID, requestID string, status int, body []byte) error {
	frame, err := c.layout.EncodeResponse(actionID, requestID, status, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r, false) {
		http.Error(w, "user token required", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsConn{conn: conn, layout: s.cfg.Layout}
	defer func() {
		s.detach(c)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		action, requestID, body, err := protocol.DecodeRequest(data)
		if err != nil {
			s.logger.Warn("Malformed request frame", slog.String("error", err.Error()))
			continue
		}

		switch action {
		case protocol.ActionAddData:
			var req protocol.DataRequest
			if err := req.UnmarshalProto(body); err != nil {
				_ = c.send(action, requestID, http.StatusBadRequest, []byte("INVALID_REQUEST"))
				continue
			}
			status, code := s.addData(req.MeasurementID, &req)
			if err := c.send(action, requestID, status, []byte(code)); err != nil {
				return
			}

		case protocol.ActionSubscribeResults:
			var req protocol.SubscribeResultsRequest
			if err := req.UnmarshalProto(body); err != nil {
				_ = c.send(action, requestID, http.StatusBadRequest, []byte("INVALID_REQUEST"))
				continue
			}
			if err := s.subscribe(req.MeasurementID, subscriber{conn: c, requestID: requestID}); err != nil {
				return
			}

		default:
			_ = c.send(action, requestID, http.StatusNotImplemented, []byte("UNKNOWN_ACTION"))
		}
	}
}
