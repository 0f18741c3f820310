// devserver is a local signaling server for manual, end-to-end exercise
// of the engine: it speaks the wire protocol, assigns device ids,
// heartbeats, and loops room and rtc commands back as their event
// counterparts.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavelet-im/wavelet/protocol"
)

const (
	port             = ":8080"
	heartbeatEvery   = 5 * time.Second
	heartbeatTimeout = int64(5000)
	reconnectDelayMs = int64(1000)
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: only for dev
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()

	s := &server{log: l}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ws/{apiKey}", s.serveWS)
	r.Get("/ws/{apiKey}/reconnect/{deviceID}", s.serveWS)

	srv := &http.Server{
		Addr:    port,
		Handler: r,
	}

	go func() {
		l.Info().Str("port", port).Msg("Starting dev signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	l.Info().Msg("Server exited")
}

type server struct {
	log zerolog.Logger
}

// session is one connected device. Writes are serialized because the
// heartbeat ticker and the echo path share the connection.
type session struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex
}

func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	resumed := deviceID != ""
	if !resumed {
		deviceID = uuid.NewString()
	}

	sess := &session{
		conn: conn,
		log: s.log.With().
			Str("api_key", chi.URLParam(r, "apiKey")).
			Str("device_id", deviceID).
			Logger(),
	}
	sess.log.Info().Bool("resumed", resumed).Msg("Device connected")

	sess.push(protocol.Hello{
		DeviceID:         deviceID,
		Timestamp:        now(),
		HeartbeatTimeout: heartbeatTimeout,
		ReconnectDelay:   reconnectDelayMs,
	})

	done := make(chan struct{})
	go sess.heartbeatLoop(done)

	defer func() {
		close(done)
		conn.Close()
		sess.log.Info().Msg("Device disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				sess.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		sess.handle(data, deviceID)
	}
}

func (s *session) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.push(protocol.OutputHeartbeat{Timestamp: now()})
		case <-done:
			return
		}
	}
}

// envelope is the superset of command payloads the loopback understands.
type envelope struct {
	Tag       string                      `json:"tag"`
	Ref       protocol.Ref                `json:"ref"`
	RoomID    protocol.ID                 `json:"roomId"`
	CallID    protocol.ID                 `json:"callId"`
	Body      string                      `json:"body"`
	Subtag    string                      `json:"subtag"`
	EventID   protocol.ID                 `json:"eventId"`
	Peer      protocol.ID                 `json:"peer"`
	SDP       protocol.SessionDescription `json:"sdp"`
	Candidate protocol.ICECandidate       `json:"iceCandidate"`
	Enabled   bool                        `json:"enabled"`
	Content   string                      `json:"content"`
	Timestamp protocol.Timestamp          `json:"timestamp"`
}

// handle loops a command back as the event a real server would emit for
// it, addressed to the sender itself. Good enough to exercise the full
// client path by hand.
func (s *session) handle(data []byte, deviceID protocol.ID) {
	var cmd envelope
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.Warn().Err(err).Msg("Dropping undecodable frame")
		return
	}

	roomScope := protocol.RoomScope{RoomID: cmd.RoomID, AuthorID: deviceID, Timestamp: now()}

	switch cmd.Tag {
	case protocol.TagInputHeartbeat:
		// Echo of our own probe.
	case protocol.TagSendMessage:
		messageID := uuid.NewString()
		s.push(protocol.ChatReceived{
			EventID: messageID,
			Message: protocol.NormalizedMessage{
				ID:        messageID,
				AuthorID:  deviceID,
				ChannelID: cmd.RoomID,
				Tag:       protocol.TagRoomMessageSent,
				Timestamp: now(),
			},
			Ref: cmd.Ref,
		})
		s.push(protocol.RoomMessageSent{RoomScope: roomScope, Message: cmd.Body, MessageID: messageID})
	case protocol.TagSendCustomMessage:
		messageID := uuid.NewString()
		s.push(protocol.ChatReceived{
			EventID: messageID,
			Message: protocol.NormalizedMessage{
				ID:        messageID,
				AuthorID:  deviceID,
				ChannelID: cmd.RoomID,
				Tag:       protocol.TagRoomCustomMessageSent,
				Timestamp: now(),
			},
			Ref: cmd.Ref,
		})
		s.push(protocol.RoomCustomMessageSent{RoomScope: roomScope, Subtag: cmd.Subtag, Message: cmd.Body, MessageID: messageID})
	case protocol.TagSendTyping:
		s.push(protocol.RoomTypingSent{RoomScope: roomScope})
	case protocol.TagSendMark:
		s.push(protocol.RoomMarkSent{RoomScope: protocol.RoomScope{RoomID: cmd.RoomID, AuthorID: deviceID, Timestamp: cmd.Timestamp}})
	case protocol.TagConfirmMessageDelivery:
		s.push(protocol.RoomMessageDelivered{RoomScope: roomScope, MessageID: cmd.EventID})
	case protocol.TagSendDescription:
		s.push(protocol.DescriptionSent{CallID: cmd.CallID, Sender: cmd.Peer, SDP: cmd.SDP})
	case protocol.TagSendCandidate:
		s.push(protocol.CandidateSent{CallID: cmd.CallID, Sender: cmd.Peer, Candidate: cmd.Candidate})
	case protocol.TagAudioStreamToggle:
		s.push(protocol.AudioStreamToggled{
			CallScope: protocol.CallScope{CallID: cmd.CallID, Timestamp: now()},
			UserID:    deviceID,
			Enabled:   cmd.Enabled,
		})
	case protocol.TagVideoStreamToggle:
		s.push(protocol.VideoStreamToggled{
			CallScope: protocol.CallScope{CallID: cmd.CallID, Timestamp: now()},
			UserID:    deviceID,
			Enabled:   cmd.Enabled,
			Content:   cmd.Content,
		})
	default:
		s.push(protocol.ServerError{Reason: "unsupported command " + cmd.Tag, Ref: cmd.Ref})
	}
}

func (s *session) push(ev protocol.Event) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		s.log.Error().Err(err).Str("tag", ev.Tag()).Msg("Encoding event failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Error().Err(err).Msg("Write failed")
	}
}

func now() protocol.Timestamp {
	return time.Now().UnixMilli()
}
