package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"

	apperrors "github.com/fairdraw/fairdraw/internal/platform/errors"
	"github.com/fairdraw/fairdraw/internal/platform/timeouts"
	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage/sqlite"
)

const (
	tokenCookieName = "fd_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Inbound frame types.
const (
	frameGetDrawList   = "getDrawList"
	frameCreateDraw    = "createDraw"
	frameGetDraw       = "getDraw"
	frameJoinDraw      = "joinDraw"
	frameListenDraw    = "listenDraw"
	framePostToDraw    = "postToDraw"
	frameSendPublicKey = "sendPublicKey"
)

// Outbound frame types.
const (
	frameDrawCreated        = "drawCreated"
	frameDrawJoined         = "drawJoined"
	frameDrawListened       = "drawListened"
	frameEventPosted        = "eventPosted"
	frameConnectionApproved = "connectionApproved"
	frameDrawEvent          = "drawEvent"
	frameDrawError          = "drawError"
)

// Config defines the inputs for the draw gateway process.
//
// The settings intentionally couple the WebSocket layer to the document store
// and identity verification without owning client-side cryptography.
type Config struct {
	HTTPAddr           string
	StoragePath        string
	AuthBaseURL        string
	AuthResourceSecret string
	AuthIssuer         string
	AuthAudience       string
	AuthPublicKey      string
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
}

// Server hosts the draw HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	feedWorkerDone  chan struct{}
	feedWorkerStop  context.CancelFunc
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type drawListPayload struct {
	Draws []domain.Draw `json:"draws"`
}

type drawEnvelope struct {
	Draw domain.Draw `json:"draw"`
}

type createDrawPayload struct {
	Data     json.RawMessage `json:"data"`
	Spots    int             `json:"spots"`
	MinSpots int             `json:"minSpots"`
}

type drawRequestPayload struct {
	DrawUUID string `json:"drawUuid"`
}

type eventPostedPayload struct {
	Posted bool `json:"posted"`
}

type sendPublicKeyPayload struct {
	PublicKey string `json:"publicKey"`
}

type connectionApprovedPayload struct {
	Approved bool `json:"approved"`
}

// gateway owns the in-process coordination state: the broadcast hub, the list
// cache, the event stamper, and the per-draw write locks. All persistent
// state lives behind the store interfaces.
type gateway struct {
	draws    storage.DrawStore
	keys     storage.KeyStore
	identity IdentityProvider
	codec    RelayCodec
	hub      *roomHub
	clients  *clientRegistry
	cache    *drawCache
	stamper  *domain.EventStamper
	locks    *drawLocks
	tracer   trace.Tracer
}

// Deps are the collaborators a gateway handler needs. Codec is optional and
// defaults to the passthrough codec.
type Deps struct {
	Draws storage.DrawStore
	Keys  storage.KeyStore
	Codec RelayCodec
}

func newGateway(deps Deps, identity IdentityProvider) *gateway {
	codec := deps.Codec
	if codec == nil {
		codec = PassthroughCodec{}
	}
	return &gateway{
		draws:    deps.Draws,
		keys:     deps.Keys,
		identity: identity,
		codec:    codec,
		hub:      newRoomHub(),
		clients:  newClientRegistry(),
		cache:    newDrawCache(),
		stamper:  domain.NewEventStamper(),
		locks:    newDrawLocks(),
		tracer:   otel.Tracer("fairdraw/draw"),
	}
}

type wsUserIDContextKey struct{}

// NewHandler creates draw routes for tests and offline paths.
// WebSocket auth is intentionally disabled in this constructor.
func NewHandler(deps Deps) http.Handler {
	handler, _ := newHandler(deps, nil, false)
	return handler
}

// NewHandlerWithIdentity creates draw routes with enforced identity checks at
// the websocket upgrade.
func NewHandlerWithIdentity(deps Deps, identity IdentityProvider) http.Handler {
	handler, _ := newHandler(deps, identity, true)
	return handler
}

func newHandler(deps Deps, identity IdentityProvider, requireAuth bool) (http.Handler, *gateway) {
	g := newGateway(deps, identity)
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(g.handleWSConn)

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if identity == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("draw: websocket unauthorized: missing fd_token for host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			verified, err := identity.Verify(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(verified.ID) == "" {
				if err != nil {
					log.Printf("draw: websocket unauthorized: identity verification failed for host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
				} else {
					log.Printf("draw: websocket unauthorized: empty subject after verification for host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(verified.ID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux, g
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (g *gateway) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := "anonymous"
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}
	session := newWSSession(userID, peer)

	g.clients.add(peer)
	log.Printf("draw: peer connected user=%q", userID)
	defer func() {
		g.clients.remove(peer)
		for _, room := range session.trackedRooms() {
			room.leave(peer)
		}
		log.Printf("draw: peer disconnected user=%q", userID)
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", apperrors.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		g.dispatchFrame(conn.Request().Context(), session, frame)
	}
}

func (g *gateway) dispatchFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	ctx, span := g.tracer.Start(ctx, "draw.ws."+frame.Type)
	defer span.End()

	switch frame.Type {
	case frameGetDrawList:
		g.handleGetDrawList(ctx, session, frame)
	case frameCreateDraw:
		g.handleCreateDraw(ctx, session, frame)
	case frameGetDraw:
		g.handleGetDraw(ctx, session, frame)
	case frameJoinDraw:
		g.handleJoinDraw(ctx, session, frame)
	case frameListenDraw:
		g.handleListenDraw(ctx, session, frame)
	case framePostToDraw:
		g.handlePostToDraw(ctx, session, frame)
	case frameSendPublicKey:
		g.handleSendPublicKey(ctx, session, frame)
	default:
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "unsupported frame type")
	}
}

func (g *gateway) handleGetDrawList(ctx context.Context, session *wsSession, frame wsFrame) {
	draws, err := g.cache.snapshotOrLoad(ctx, g.draws)
	if err != nil {
		log.Printf("draw: list draws failed user=%q err=%v", session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "draw list unavailable")
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameGetDrawList,
		RequestID: frame.RequestID,
		Payload:   mustJSON(drawListPayload{Draws: draws}),
	})
}

func (g *gateway) handleCreateDraw(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload createDrawPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawCreateFailed, "invalid create payload")
		return
	}

	created, err := domain.NewDraw("", payload.Data, payload.Spots, payload.MinSpots, session.userID, time.Now())
	if err != nil {
		log.Printf("draw: create rejected user=%q err=%v", session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawCreateFailed, "draw could not be created")
		return
	}

	if err := g.draws.CreateDraw(ctx, created); err != nil {
		log.Printf("draw: create persist failed user=%q uuid=%q err=%v", session.userID, created.UUID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawCreateFailed, "draw could not be created")
		return
	}

	log.Printf("draw: created uuid=%q creator=%q spots=%d", created.UUID, created.CreatorID, created.Spots)
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameDrawCreated,
		RequestID: frame.RequestID,
		Payload:   mustJSON(drawEnvelope{Draw: created}),
	})
}

func (g *gateway) handleSendPublicKey(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload sendPublicKeyPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "invalid public key payload")
		return
	}

	publicKey := strings.TrimSpace(payload.PublicKey)
	if publicKey == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "publicKey is required")
		return
	}

	if err := g.keys.SavePublicKey(ctx, session.userID, publicKey); err != nil {
		log.Printf("draw: save public key failed user=%q err=%v", session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderKeySaveFailed, "public key could not be saved")
		_ = session.peer.writeFrame(wsFrame{
			Type:      frameConnectionApproved,
			RequestID: frame.RequestID,
			Payload:   mustJSON(connectionApprovedPayload{Approved: false}),
		})
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameConnectionApproved,
		RequestID: frame.RequestID,
		Payload:   mustJSON(connectionApprovedPayload{Approved: true}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameDrawError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    string(code),
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured draw server: document store, identity
// verification, and the change-feed worker that keeps the list cache fresh.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	storagePath := strings.TrimSpace(config.StoragePath)
	if storagePath == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(storagePath)
	if err != nil {
		return nil, fmt.Errorf("open draw store: %w", err)
	}

	identity, err := identityProviderFromConfig(config)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler, g := newHandler(Deps{Draws: store, Keys: store}, identity, true)

	feedCtx, feedStop := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		g.runFeedWorker(feedCtx)
	}()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		feedWorkerDone:  feedDone,
		feedWorkerStop:  feedStop,
	}, nil
}

// identityProviderFromConfig prefers local JWT verification and falls back to
// introspection. At least one must be configured: the gateway never accepts
// unverified identities in production.
func identityProviderFromConfig(config Config) (IdentityProvider, error) {
	if strings.TrimSpace(config.AuthPublicKey) != "" {
		key, err := ParseJWTIdentityKey(config.AuthPublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse identity public key: %w", err)
		}
		provider := NewJWTIdentityProvider(JWTIdentityConfig{
			Issuer:   strings.TrimSpace(config.AuthIssuer),
			Audience: strings.TrimSpace(config.AuthAudience),
			Key:      key,
		})
		if provider == nil {
			return nil, errors.New("invalid identity public key")
		}
		return provider, nil
	}

	provider := NewHTTPIdentityProvider(config.AuthBaseURL, config.AuthResourceSecret)
	if provider == nil {
		return nil, errors.New("identity verification is not configured")
	}
	return provider, nil
}

// Run creates and serves a draw server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init draw server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve draw: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("draw server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("draw server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.feedWorkerStop != nil {
		s.feedWorkerStop()
	}
	if s.feedWorkerDone != nil {
		<-s.feedWorkerDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close draw store: %v", err)
		}
	}
}
