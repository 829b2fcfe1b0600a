package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// PhaseInfo is one row of the phases API.
type PhaseInfo struct {
	ID          string                                `json:"id"`
	Name        string                                `json:"name"`
	BPM         float64                               `json:"bpm"`
	CountIn     int                                   `json:"count_in"`
	Assignments map[protocol.Seat]protocol.Assignment `json:"assignments"`
	Active      bool                                  `json:"active"`
}

// Handler routes the websocket endpoint and the operator API:
//
//	GET  /ws                     seat websocket
//	GET  /healthz
//	GET  /api/seats
//	GET  /api/phases
//	POST /api/phases/{id}/start
//	POST /api/phase/stop
//	POST /api/catalog/reload
func (c *Coordinator) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", c.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/seats", c.handleSeats).Methods(http.MethodGet)
	api.HandleFunc("/phases", c.handlePhases).Methods(http.MethodGet)
	api.HandleFunc("/phases/{id}/start", c.handleStartPhase).Methods(http.MethodPost)
	api.HandleFunc("/phase/stop", c.handleStopPhase).Methods(http.MethodPost)
	api.HandleFunc("/catalog/reload", c.handleReload).Methods(http.MethodPost)
	return r
}

func (c *Coordinator) handleSeats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Seats())
}

func (c *Coordinator) handlePhases(w http.ResponseWriter, r *http.Request) {
	current, running := c.CurrentPhase()
	phases := c.Catalog().Phases()
	out := make([]PhaseInfo, 0, len(phases))
	for _, p := range phases {
		out = append(out, PhaseInfo{
			ID:          p.ID,
			Name:        p.Name,
			BPM:         p.BPM,
			CountIn:     p.CountIn,
			Assignments: p.Assignments,
			Active:      running && current.PhaseID == p.ID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Coordinator) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	start, err := c.StartPhase(mux.Vars(r)["id"])
	if errors.Is(err, ErrUnknownPhase) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (c *Coordinator) handleStopPhase(w http.ResponseWriter, r *http.Request) {
	c.StopPhase()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := c.Reload(r.Context())
	if err != nil {
		c.logger.Error("catalog reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
