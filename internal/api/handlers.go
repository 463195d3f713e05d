package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/justchat/justchat/internal/server"
)

type GuestRequest struct {
	Name string `json:"name"`
}

type GuestResponse struct {
	Token   string `json:"token"`
	UserId  string `json:"user_id"`
	Name    string `json:"name"`
	IsGuest bool   `json:"is_guest"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Claims any    `json:"claims,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *JustChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *JustChatApp) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// guestCredential issues a signed guest identity. The name is optional
// and capped; the subject id is unique across instances.
func (s *JustChatApp) guestCredential(w http.ResponseWriter, r *http.Request) {
	var req GuestRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	token, user, err := s.auth.IssueGuest(req.Name)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, GuestResponse{
		Token:   token,
		UserId:  user.Id,
		Name:    user.Name,
		IsGuest: user.IsGuest,
	})
}

func (s *JustChatApp) verifyCredential(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.auth.Verify(req.Token)
	if err != nil {
		s.writeJson(w, http.StatusUnauthorized, VerifyResponse{
			Valid: false,
			Error: err.Error(),
		})
		return
	}

	s.writeJson(w, http.StatusOK, VerifyResponse{
		Valid:  true,
		Claims: user,
	})
}

// serveWs upgrades an authenticated request into a session. The
// credential was already verified by the middleware; no partial session
// is ever created for a rejected connection.
func (s *JustChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError("")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
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

	client := server.NewClient(user, conn, s.cs, s.log)

	s.cs.Register(client)
	go client.Write()
	go client.Read()
}
