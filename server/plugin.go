package server

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed plugin.sh
var pluginSource string

// handlePlugin serves the CLI plugin with the configured API address baked
// in, so clients can install it straight from the service.
func (s *Server) handlePlugin(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	source := strings.ReplaceAll(pluginSource, "{{API_URL}}", s.apiURL)
	if _, err := w.Write([]byte(source)); err != nil {
		s.logger.Warn("Failed to write plugin source", "error", err)
	}
}
