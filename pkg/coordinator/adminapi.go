package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/config"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

// AdminAPI is the coordinator-local HTTP surface the operator console calls.
// It reads in-memory state and issues administrative commands; it is not
// part of the wire protocol and endpoints never touch it.
type AdminAPI struct {
	server         *Server
	lifecycle      *system.Lifecycle
	livenessWindow time.Duration
	persistPorts   func(config.PortsConfig) error

	portsMu sync.Mutex
	ports   config.PortsConfig
	pending *config.PortsConfig

	httpServer *http.Server
}

type AdminAPIParams struct {
	Server         *Server
	Lifecycle      *system.Lifecycle
	Ports          config.PortsConfig
	LivenessWindow time.Duration

	// PersistPorts records replacement port settings where the restarted
	// process will read them back, typically config.SavePorts or
	// config.ExportPorts.
	PersistPorts func(config.PortsConfig) error
}

func NewAdminAPI(params AdminAPIParams) *AdminAPI {
	return &AdminAPI{
		server:         params.Server,
		lifecycle:      params.Lifecycle,
		livenessWindow: params.LivenessWindow,
		persistPorts:   params.PersistPorts,
		ports:          params.Ports,
	}
}

// Start binds the admin listener. Like the registration port, failing to
// bind is fatal for startup.
func (a *AdminAPI) Start(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/sessions", a.listSessions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/config/ports", a.getPorts).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/config/ports", a.putPorts).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/diagnostics", a.diagnostics).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/tasks", a.dispatchTask).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/restart", a.restart).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/shutdown", a.shutdown).Methods(http.MethodPost)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.ports.AdminAPI))
	if err != nil {
		return errors.Wrapf(err, "binding admin port %d", a.ports.AdminAPI)
	}

	a.httpServer = &http.Server{Handler: router} //nolint:gosec // local admin surface
	go func() {
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Ctx(ctx).Error().Err(err).Msg("Admin API server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = a.httpServer.Close()
	}()

	log.Ctx(ctx).Info().Msgf("Admin API listening on port %d", a.ports.AdminAPI)
	return nil
}

type sessionView struct {
	ID            string    `json:"ID"`
	EndpointName  string    `json:"EndpointName"`
	RemoteAddress string    `json:"RemoteAddress"`
	RemotePort    int       `json:"RemotePort"`
	ConnectedAt   time.Time `json:"ConnectedAt"`
	LastSeenAt    time.Time `json:"LastSeenAt"`
	State         string    `json:"State"`
	CPULoad       float64   `json:"CPULoad"`
	CurrentTaskID string    `json:"CurrentTaskID,omitempty"`
	Accelerated   bool      `json:"Accelerated"`
	Stale         bool      `json:"Stale"`
}

func (a *AdminAPI) listSessions(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	sessions := a.server.registry.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:            s.ID,
			EndpointName:  s.EndpointName,
			RemoteAddress: s.RemoteAddress,
			RemotePort:    s.RemotePort,
			ConnectedAt:   s.ConnectedAt,
			LastSeenAt:    s.LastSeenAt,
			State:         s.State.String(),
			CPULoad:       s.CPULoad,
			CurrentTaskID: s.CurrentTaskID,
			Accelerated:   s.AcceleratorAvailable,
			Stale:         s.Stale(a.livenessWindow, now),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type portsView struct {
	Current config.PortsConfig  `json:"Current"`
	Pending *config.PortsConfig `json:"Pending,omitempty"`
}

func (a *AdminAPI) getPorts(w http.ResponseWriter, _ *http.Request) {
	a.portsMu.Lock()
	defer a.portsMu.Unlock()
	writeJSON(w, http.StatusOK, portsView{Current: a.ports, Pending: a.pending})
}

// putPorts persists replacement port settings. They only take effect after
// a restart, when config.Load finds them again; the reply says so
// explicitly.
func (a *AdminAPI) putPorts(w http.ResponseWriter, r *http.Request) {
	var requested config.PortsConfig
	if err := json.NewDecoder(r.Body).Decode(&requested); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, port := range []int{requested.Discovery, requested.Public, requested.Registration, requested.AdminAPI} {
		if port <= 0 || port > 65535 {
			http.Error(w, fmt.Sprintf("port out of range: %d", port), http.StatusBadRequest)
			return
		}
	}
	if requested.Public == requested.Registration {
		http.Error(w, "public and registration ports must differ", http.StatusBadRequest)
		return
	}

	if a.persistPorts != nil {
		if err := a.persistPorts(requested); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	a.portsMu.Lock()
	a.pending = &requested
	a.portsMu.Unlock()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"detail": "port settings stored, effective after restart",
	})
}

func (a *AdminAPI) diagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := a.server.Diagnostics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report": report})
}

type dispatchTaskRequest struct {
	SessionID string `json:"SessionID"`
	TaskID    string `json:"TaskID"`
	Stop      bool   `json:"Stop,omitempty"`
}

// dispatchTask lets the console assign or stop a task on a registered
// endpoint.
func (a *AdminAPI) dispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msg models.ControlMessage
	if req.Stop {
		msg = models.StopTaskCommand{}
	} else {
		if req.TaskID == "" {
			http.Error(w, "TaskID required", http.StatusBadRequest)
			return
		}
		msg = models.ExecuteTaskCommand{TaskID: req.TaskID}
	}

	if err := a.server.Send(req.SessionID, msg); err != nil {
		status := http.StatusInternalServerError
		switch err.(type) {
		case ErrSessionNotFound:
			status = http.StatusNotFound
		case ErrSessionBusy:
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"detail": "dispatched"})
}

func (a *AdminAPI) restart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"detail": "restarting"})
	a.lifecycle.Restart(r.Context())
}

func (a *AdminAPI) shutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"detail": "shutting down"})
	a.lifecycle.Shutdown(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
