package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/influxdata/httprouter"
)

// requestBody carries the fields accepted by the POST endpoints. Bodies may
// be JSON or form-encoded; the original CLI plugin posts forms.
type requestBody struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	ExpectedString string `json:"expected_string"`
	Comment        string `json:"comment"`
	Watcher        string `json:"watcher"`
	Password       string `json:"password"`
}

func parseBody(r *http.Request) (*requestBody, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body requestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		return &body, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &requestBody{
		Name:           r.FormValue("name"),
		URL:            r.FormValue("url"),
		ExpectedString: r.FormValue("expected_string"),
		Comment:        r.FormValue("comment"),
		Watcher:        r.FormValue("watcher"),
		Password:       r.FormValue("password"),
	}, nil
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func (s *Server) handleNewInstance(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil || body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := s.broker.NewInstance(r.Context(), body.Name); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.RemoveInstance(r.Context(), param(r, "name")); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports whether an instance exists; the binding protocol polls
// it after attaching a service.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.broker.ListURLs(r.Context(), param(r, "name")); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Bind and unbind are part of the service binding protocol; the service keeps
// no per-application state, so both acknowledge without side effects.
func (s *Server) handleBind(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUnbind(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAddURL(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil || body.Name == "" || body.URL == "" {
		http.Error(w, "name and url are required", http.StatusBadRequest)
		return
	}
	if err := s.broker.AddURL(r.Context(), body.Name, body.URL, body.ExpectedString, body.Comment); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := s.broker.ListURLs(r.Context(), param(r, "name"))
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	// Pairs rather than objects, matching the original wire format.
	pairs := make([][]string, 0, len(urls))
	for _, u := range urls {
		pairs = append(pairs, []string{u.URL, u.Comment})
	}
	s.writeJSON(w, pairs)
}

func (s *Server) handleRemoveURL(w http.ResponseWriter, r *http.Request) {
	// The catch-all parameter keeps its leading slash.
	url := strings.TrimPrefix(param(r, "url"), "/")
	if err := s.broker.RemoveURL(r.Context(), param(r, "name"), url); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddWatcher(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil || body.Name == "" || body.Watcher == "" {
		http.Error(w, "name and watcher are required", http.StatusBadRequest)
		return
	}
	if err := s.broker.AddWatcher(r.Context(), body.Name, body.Watcher, body.Password); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	watchers, err := s.broker.ListWatchers(r.Context(), param(r, "name"))
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, watchers)
}

func (s *Server) handleRemoveWatcher(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.RemoveWatcher(r.Context(), param(r, "name"), param(r, "watcher")); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
