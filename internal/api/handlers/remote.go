// remote.go — проверка подключения к удалённому API.
package handlers

import "net/http"

// TestRemoteConnection — POST /api/v1/remote/test-connection.
// Выполняет лёгкий запрос с настроенным ключом.
func (h *APIHandler) TestRemoteConnection(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireClaims(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": h.boards.TestConnection(r.Context())})
}
