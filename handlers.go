package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/knadh/roomcast/internal/chat"
)

const (
	hasAuth = 1 << iota
	hasRoom
)

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app      *App
	roomID   string
	identity string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type roomOnline struct {
	RoomID string   `json:"room"`
	Online []string `json:"online"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// newRouter registers the HTTP routes.
func newRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/{roomID}", wrap(handleWS, app, hasAuth|hasRoom))

	// API.
	r.Get("/api/rooms", wrap(handleRooms, app, 0))
	r.Get("/api/rooms/{roomID}/online", wrap(handleOnline, app, hasRoom))
	r.Get("/api/rooms/{roomID}/exists", wrap(handleRoomExists, app, hasRoom))
	return r
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Printf("Websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	// Add the connection to the room.
	if err := app.chat.Connect(ws, ctx.roomID, ctx.identity); err != nil && !errors.Is(err, chat.ErrRoomFull) {
		app.logger.Printf("error connecting %s to %s: %v", ctx.identity, ctx.roomID, err)
	}
}

// handleRooms returns the rooms with at least one identity online.
func handleRooms(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	rooms, err := app.presence.Rooms()
	if err != nil {
		app.logger.Printf("error fetching rooms: %v", err)
		respondJSON(w, nil, errors.New("error fetching rooms"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, rooms, nil, http.StatusOK)
}

// handleOnline returns the identities online in a room.
func handleOnline(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	online, err := app.presence.Online(ctx.roomID)
	if err != nil {
		app.logger.Printf("error fetching online list of %s: %v", ctx.roomID, err)
		respondJSON(w, nil, errors.New("error fetching online list"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, roomOnline{RoomID: ctx.roomID, Online: online}, nil, http.StatusOK)
}

// handleRoomExists reports whether a room has anyone online.
func handleRoomExists(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	ok, err := app.presence.RoomExists(ctx.roomID)
	if err != nil {
		app.logger.Printf("error checking room %s: %v", ctx.roomID, err)
		respondJSON(w, nil, errors.New("error checking room"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, ok, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// wrap is a middleware that handles auth and room check for various HTTP handlers.
// It attaches the app and request contexts to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Check if the room ID is usable.
		if opts&hasRoom != 0 {
			req.roomID = chi.URLParam(r, "roomID")
			if err := validate.Var(req.roomID, "required,max=64,printascii"); err != nil {
				respondJSON(w, nil, errors.New("invalid room ID"), http.StatusBadRequest)
				return
			}
		}

		// Check if the request carries a valid identity.
		if opts&hasAuth != 0 {
			id, err := identityFromRequest(r, []byte(app.cfg.JWTSecret))
			if err != nil {
				respondJSON(w, nil, errors.New("invalid or missing token"), http.StatusForbidden)
				return
			}
			req.identity = id
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
