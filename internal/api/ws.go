package api

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

func (s *RoomsApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if err := s.cs.ServeConn(conn); err != nil {
		s.log.Println("serve connection:", err)
		conn.Close()
	}
}
