package transport

import (
	"net/http"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

// Handle returns an HTTP handler that upgrades connections and runs
// them as hub clients. The identity is the caller-chosen client_id
// query parameter; connections without one are refused before upgrade.
func Handle(hub *Hub, handler CommandHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("client_id")
		if identity == "" {
			http.Error(w, "client_id is required", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // served behind the operator's own reverse proxy
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn, uuid.NewString(), identity, handler)
		client.Run(r.Context())
	}
}
