package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/identity"
)

// WSHandler wires websocket connections into the game use cases. Every
// connected client receives the full session document on every change; player
// actions flow back as typed messages.
type WSHandler struct {
	service  *app.GameService
	verifier *identity.Verifier
	upgrader websocket.Upgrader
}

// NewWSHandler builds the handler. verifier may be nil, in which case the
// handler falls back to uid/name query parameters (dev mode only).
func NewWSHandler(service *app.GameService, verifier *identity.Verifier) *WSHandler {
	return &WSHandler{
		service:  service,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	Option        string `json:"option"`
}

type explainPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	Answer        string `json:"answer"`
}

type explanationResult struct {
	QuestionIndex int    `json:"questionIndex"`
	Explanation   string `json:"explanation"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request, auto-joins the player, and runs the message
// loop until the client disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	actor, err := identify(r, h.verifier)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	joined, err := h.service.Join(r.Context(), actor, sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: userMessage(err)}})
		return
	}

	updates, cancel, err := h.service.Subscribe(r.Context(), sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: userMessage(err)}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		resultsSent := false
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				msgs := []outboundMessage[any]{{Type: "session", Payload: update}}
				if update.Status == domain.StatusCompleted && !resultsSent {
					resultsSent = true
					msgs = append(msgs, outboundMessage[any]{Type: "results", Payload: domain.Leaderboard{
						SessionID: update.ID,
						QuizID:    update.QuizID,
						Status:    update.Status,
						Entries:   domain.Rank(update.Players),
					}})
				}
				for _, msg := range msgs {
					select {
					case send <- msg:
					case <-closeSignals:
						return
					}
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "joined", Payload: joined}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "start":
			if _, err := h.service.Start(r.Context(), actor, sessionID); err != nil {
				send <- errorMessage(err)
			}
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			result, err := h.service.SubmitAnswer(r.Context(), actor, sessionID, payload.QuestionIndex, payload.Option)
			if err != nil {
				send <- errorMessage(err)
				continue
			}
			send <- outboundMessage[any]{Type: "answerResult", Payload: result}
		case "advance":
			if err := h.service.Advance(r.Context(), actor, sessionID); err != nil {
				send <- errorMessage(err)
			}
		case "explain":
			var payload explainPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid explain payload"}}
				continue
			}
			text, err := h.service.Explain(r.Context(), sessionID, payload.QuestionIndex, payload.Answer)
			if err != nil {
				send <- errorMessage(err)
				continue
			}
			send <- outboundMessage[any]{Type: "explanation", Payload: explanationResult{
				QuestionIndex: payload.QuestionIndex,
				Explanation:   text,
			}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return err.Error()
	}
}

// identify resolves the actor: a bearer token when a verifier is configured,
// otherwise uid/name query parameters for local development.
func identify(r *http.Request, verifier *identity.Verifier) (domain.Identity, error) {
	if verifier != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:len("Bearer ")] == "Bearer " {
				token = auth[len("Bearer "):]
			}
		}
		if token == "" {
			return domain.Identity{}, domain.ErrUnauthorized
		}
		return verifier.Verify(token)
	}
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	return domain.Identity{UID: uid, DisplayName: r.URL.Query().Get("name")}, nil
}
