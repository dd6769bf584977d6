// Package api serves the fleet control API over HTTP and streams status
// events to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tunfleet/internal/addrutil"
	"tunfleet/internal/manager"
	"tunfleet/internal/model"
	"tunfleet/internal/provider"
	"tunfleet/internal/store"
)

const (
	DefaultEventBuffer = 64
	pingInterval       = 30 * time.Second
	writeWait          = 5 * time.Second
)

type Options struct {
	Manager *manager.Manager
	// Provider serves GET /proxies; nil disables it.
	Provider *provider.Client
	// State persists assignments, always-on flags and kill switch requests;
	// nil disables persistence.
	State       *store.File
	Listen      string
	DefaultPort int
	EventBuffer int
	Logger      zerolog.Logger
}

// Server provides the control HTTP API.
type Server struct {
	mgr         *manager.Manager
	provider    *provider.Client
	state       *store.File
	listen      string
	defaultPort int
	buffer      int
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.DefaultPort == 0 {
		opts.DefaultPort = provider.DefaultPort
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	return &Server{
		mgr:         opts.Manager,
		provider:    opts.Provider,
		state:       opts.State,
		listen:      opts.Listen,
		defaultPort: opts.DefaultPort,
		buffer:      opts.EventBuffer,
		log:         opts.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/apply", s.handleApply)
	mux.HandleFunc("/apply-bulk", s.handleApplyBulk)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/always-on", s.handleAlwaysOn)
	mux.HandleFunc("/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("/proxies", s.handleProxies)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("control api listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, status, err := s.assignment(req)
	if err != nil {
		writeJSONError(w, status, err.Error())
		return
	}

	res := s.mgr.Apply(r.Context(), a.Device, a.Endpoint)
	if res.OK {
		s.persist(func(st *store.State) error {
			st.AssignEndpoint(a.Device.Name, a.Endpoint)
			return nil
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApplyBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req BulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Assignments) == 0 {
		writeJSONError(w, http.StatusBadRequest, "assignments are required")
		return
	}

	assignments := make([]model.Assignment, 0, len(req.Assignments))
	seen := make(map[string]bool, len(req.Assignments))
	for i, item := range req.Assignments {
		a, status, err := s.assignment(item)
		if err != nil {
			writeJSONError(w, status, fmt.Sprintf("assignments[%d]: %v", i, err))
			return
		}
		if seen[a.Device.Name] {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("assignments[%d]: duplicate device %q", i, a.Device.Name))
			return
		}
		seen[a.Device.Name] = true
		assignments = append(assignments, a)
	}

	results := s.mgr.ApplyBulk(r.Context(), assignments)
	s.persist(func(st *store.State) error {
		for _, a := range assignments {
			if results[a.Device.Name].OK {
				st.AssignEndpoint(a.Device.Name, a.Endpoint)
			}
		}
		return nil
	})
	writeJSON(w, http.StatusOK, ResultsResponse{Results: results})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req DisconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var results map[string]model.Result
	switch {
	case req.All:
		results = s.mgr.DisconnectAll(r.Context(), s.mgr.Tracked())
	case req.Device != "":
		dev, ok := s.mgr.Device(req.Device)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", req.Device))
			return
		}
		results = map[string]model.Result{dev.Name: s.mgr.Disconnect(r.Context(), dev)}
	default:
		writeJSONError(w, http.StatusBadRequest, "device or all is required")
		return
	}

	s.persist(func(st *store.State) error {
		for name := range results {
			st.Unassign(name)
			st.SetKillSwitch(name, false)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, ResultsResponse{Results: results})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	var devices map[string]model.Status
	switch name := q.Get("device"); {
	case name != "":
		dev, ok := s.mgr.Device(name)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", name))
			return
		}
		st := s.mgr.Status(name)
		if q.Get("refresh") != "" {
			st, _ = s.mgr.Refresh(r.Context(), dev)
		}
		devices = map[string]model.Status{name: st}
	case q.Get("refresh") != "":
		devices = s.mgr.RefreshAll(r.Context())
	default:
		devices = s.mgr.Statuses()
	}

	alwaysOn := make([]string, 0)
	for name := range s.mgr.AlwaysOn() {
		alwaysOn = append(alwaysOn, name)
	}
	sort.Strings(alwaysOn)

	writeJSON(w, http.StatusOK, StatusResponse{
		Devices:    devices,
		AlwaysOn:   alwaysOn,
		KillSwitch: s.mgr.KillSwitches(),
		Polling:    s.mgr.Running(),
	})
}

func (s *Server) handleAlwaysOn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AlwaysOnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	dev, ok := s.mgr.Device(req.Device)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", req.Device))
		return
	}

	if !req.Enabled {
		s.mgr.SetAlwaysOn(dev.Name, nil)
		s.persist(func(st *store.State) error {
			if id, ok := st.Assignments[dev.Name]; ok {
				return st.SetAlwaysOn(id, false)
			}
			return nil
		})
		writeJSON(w, http.StatusOK, model.OK())
		return
	}

	ep, err := s.alwaysOnEndpoint(r.Context(), dev, req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mgr.SetAlwaysOn(dev.Name, &ep)
	s.persist(func(st *store.State) error {
		return st.SetAlwaysOn(st.AssignEndpoint(dev.Name, ep), true)
	})
	writeJSON(w, http.StatusOK, model.OK())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req KillSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	dev, ok := s.mgr.Device(req.Device)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", req.Device))
		return
	}

	if err := s.mgr.SetKillSwitch(r.Context(), dev, req.Enabled); err != nil {
		writeJSON(w, http.StatusOK, model.Failed(err))
		return
	}
	s.persist(func(st *store.State) error {
		st.SetKillSwitch(dev.Name, req.Enabled)
		return nil
	})
	writeJSON(w, http.StatusOK, model.OK())
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.provider == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "provider credentials not configured")
		return
	}

	eps, err := s.provider.Endpoints(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, provider.ErrAuth) {
			status = http.StatusUnauthorized
		}
		writeJSONError(w, status, err.Error())
		return
	}

	resp := ProxiesResponse{Proxies: eps}
	s.persist(func(st *store.State) error {
		resp.Added = st.MergeEndpoints(eps)
		return nil
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams every status event to a websocket client until
// either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribed before the handshake completes so no event falls between.
	events, cancel := s.mgr.Subscribe(s.buffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("event stream opened")
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("event stream closed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// assignment resolves a request to a tracked device and a complete endpoint.
func (s *Server) assignment(req ApplyRequest) (model.Assignment, int, error) {
	if req.Device == "" {
		return model.Assignment{}, http.StatusBadRequest, fmt.Errorf("device is required")
	}
	dev, ok := s.mgr.Device(req.Device)
	if !ok {
		return model.Assignment{}, http.StatusNotFound, fmt.Errorf("unknown device %q", req.Device)
	}
	ep, err := s.endpoint(req.Endpoint, req.Proxy)
	if err != nil {
		return model.Assignment{}, http.StatusBadRequest, err
	}
	return model.Assignment{Device: dev, Endpoint: ep}, 0, nil
}

func (s *Server) endpoint(ep *model.ProxyEndpoint, proxy string) (model.ProxyEndpoint, error) {
	switch {
	case proxy != "":
		return addrutil.ParseEndpoint(proxy, s.defaultPort)
	case ep != nil:
		out := *ep
		if out.Port == 0 {
			out.Port = s.defaultPort
		}
		if out.Server == "" {
			return model.ProxyEndpoint{}, fmt.Errorf("endpoint.server is required")
		}
		return out, nil
	default:
		return model.ProxyEndpoint{}, fmt.Errorf("endpoint or proxy is required")
	}
}

func (s *Server) alwaysOnEndpoint(ctx context.Context, dev model.DeviceHandle, req AlwaysOnRequest) (model.ProxyEndpoint, error) {
	if req.Endpoint != nil || req.Proxy != "" {
		return s.endpoint(req.Endpoint, req.Proxy)
	}
	if s.state != nil {
		if st, err := s.state.Load(); err == nil {
			if ep, ok := st.Endpoint(dev.Name); ok {
				return ep, nil
			}
		}
	}
	ep, err := s.mgr.Endpoint(ctx, dev)
	if err != nil {
		return model.ProxyEndpoint{}, fmt.Errorf("no endpoint given and none configured on %s: %w", dev.Name, err)
	}
	return ep, nil
}

// persist applies fn to the state file. Failures are logged; the device
// operation already happened.
func (s *Server) persist(fn func(*store.State) error) {
	if s.state == nil {
		return
	}
	if err := s.state.Update(fn); err != nil {
		s.log.Error().Err(err).Str("path", s.state.Path()).Msg("state update failed")
	}
}

// sameHost accepts clients without an Origin header (CLI, scripts) and
// browsers served from the API's own host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
