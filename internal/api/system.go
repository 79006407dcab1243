package api

import "net/http"

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"printers":          len(s.registry.Statuses()),
		"websocket_clients": clients,
	})
}

// handleCloseCheck answers the front end's close request. The response only
// reports; the front end decides whether to ask the user before quitting.
func (s *Server) handleCloseCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.CloseCheck())
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	list := s.tasks.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"count": len(list),
	})
}
