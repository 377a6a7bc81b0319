package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamechat/internal/adapter/api"
	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/api/middleware"
	"gamechat/internal/adapter/api/router"
	"gamechat/internal/adapter/repository"
	"gamechat/internal/domain/entity"
	"gamechat/internal/infrastructure/cache"
	"gamechat/internal/infrastructure/pubsub"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/storage"
	"gamechat/internal/infrastructure/telemetry"
	ws "gamechat/internal/infrastructure/websocket"
	"gamechat/internal/usecase"
	"gamechat/pkg/errors"
	"gamechat/pkg/response"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

// tokens maps bearer tokens to user ids: "token-alice" authenticates alice.
type tokens struct{}

func (tokens) VerifyToken(_ context.Context, token string) (string, error) {
	if uid, ok := strings.CutPrefix(token, "token-"); ok && uid != "" {
		return uid, nil
	}
	return "", stderrors.New("invalid token")
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

type testServer struct {
	t        *testing.T
	e        *echo.Echo
	http     *httptest.Server
	messages *usecase.MessageUseCase
	objects  *storage.MemoryStorage
}

func newTestServer(t *testing.T, checks map[string]handler.HealthCheck) *testServer {
	t.Helper()

	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	users := repository.NewGormUserRepository(db)
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, users.Upsert(context.Background(), &entity.User{ID: id, Username: id}))
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	generous := ratelimit.Policy{Burst: 1000, Every: time.Millisecond}
	limiter := ratelimit.NewRateLimiterWithPolicies(map[string]ratelimit.Policy{
		ratelimit.ActionSendMessage: generous,
		ratelimit.ActionCreateChat:  generous,
		ratelimit.ActionTyping:      generous,
		ratelimit.ActionDefault:     generous,
	})

	metrics := telemetry.NoopMetrics()
	bus := pubsub.NewLocalBus()
	objects := storage.NewMemoryStorage("https://files.test/files")
	chats := repository.NewGormChatRepository(db)
	messages := repository.NewGormMessageRepository(db)
	hot := cache.NewHotBuffer(client, 50, time.Hour)

	membership := usecase.NewMembershipUseCase(chats, cache.NewParticipantCache(client), time.Hour, metrics)
	chatUC := usecase.NewChatUseCase(chats, messages, users, membership, hot, objects, bus, limiter, metrics)
	messageUC := usecase.NewMessageUseCase(messages, chats, users, membership, hot, objects, bus, limiter, metrics, usecase.MessageConfig{
		HistoryPageSize:    50,
		PersistMaxRetries:  2,
		AttachmentMaxCount: 5,
		AttachmentMaxSize:  1 << 20,
		RetryInterval:      time.Millisecond,
	})

	manager := ws.NewManager("api-test", bus, membership, limiter, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)

	handler.Setup(chatUC, messageUC, usecase.NewUserUseCase(users), 1<<20, 5)
	handler.SetupHealthHandler(checks)
	handler.SetupFileHandler(objects)

	e := echo.New()
	e.Validator = api.NewValidator()
	e.Use(middleware.RateLimit(limiter))

	auth := middleware.NewAuthMiddleware(tokens{})
	router.Setup(e, auth, handler.NewWebSocketHandler(manager, auth, nil))

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		drainCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		messageUC.Drain(drainCtx)
	})

	return &testServer{t: t, e: e, http: srv, messages: messageUC, objects: objects}
}

func (s *testServer) do(method, path, user string, body io.Reader, contentType string) (int, envelope) {
	s.t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer token-"+user)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (s *testServer) json(method, path, user string, payload interface{}) (int, envelope) {
	s.t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(s.t, err)
		body = bytes.NewReader(b)
	}
	return s.do(method, path, user, body, echo.MIMEApplicationJSON)
}

func (s *testServer) directChat(a, b string) string {
	s.t.Helper()
	code, env := s.json(http.MethodPost, "/v1/chats", a, map[string]string{"receiver_id": b})
	require.Equal(s.t, http.StatusOK, code)

	var chat entity.Chat
	require.NoError(s.t, json.Unmarshal(env.Data, &chat))
	return chat.ID
}

func (s *testServer) drain() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.t, s.messages.Drain(ctx))
}

func multipartBody(t *testing.T, content string, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("content", content))
	for name, data := range files {
		part, err := w.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return nil },
		"bus":   func(context.Context) error { return stderrors.New("nats: no servers available") },
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health/dependencies", nil)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Contains(t, body.Dependencies["bus"], "no servers")
}

func TestChats_RequireAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.json(http.MethodGet, "/v1/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeUnauthorized, env.Error.Code)
}

func TestChats_DirectAndGroup(t *testing.T) {
	s := newTestServer(t, nil)

	first := s.directChat("alice", "bob")
	assert.Equal(t, first, s.directChat("bob", "alice"), "direct chats are unique per pair")

	code, env := s.json(http.MethodPost, "/v1/chats/group", "alice", map[string]interface{}{
		"participants": []string{"bob", "carol"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeValidation, env.Error.Code)

	code, env = s.json(http.MethodPost, "/v1/chats/group", "alice", map[string]interface{}{
		"name":         "raid night",
		"participants": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusCreated, code)
	var group entity.Chat
	require.NoError(t, json.Unmarshal(env.Data, &group))
	assert.Equal(t, "alice", group.AdminID)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, group.Participants)

	code, env = s.json(http.MethodGet, "/v1/chats?limit=10", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	var page response.PaginatedResponse
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)

	code, _ = s.json(http.MethodGet, "/v1/chats/"+first, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.json(http.MethodDelete, "/v1/chats/"+group.ID+"/participants/carol", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code, "only the admin removes participants")
}

func TestUsers_Profiles(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	code, env := s.json(http.MethodGet, "/v1/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var me entity.User
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "alice", me.Username)

	code, _ = s.json(http.MethodGet, "/v1/users/nobody", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = s.json(http.MethodGet, "/v1/chats/"+chatID+"/participants", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var members []entity.SenderSummary
	require.NoError(t, json.Unmarshal(env.Data, &members))
	assert.Len(t, members, 2)

	code, _ = s.json(http.MethodGet, "/v1/chats/"+chatID+"/participants", "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestMessages_SendAndRead(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	code, env := s.json(http.MethodPost, "/v1/messages/"+chatID, "alice", map[string]string{
		"content":        "gg",
		"idempotency_id": "req-1",
	})
	require.Equal(t, http.StatusCreated, code)
	var sent entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, "req-1", sent.ID)
	assert.Equal(t, "alice", sent.Sender.ID)

	code, env = s.json(http.MethodPost, "/v1/messages/"+chatID, "alice", map[string]string{
		"content":        "gg",
		"idempotency_id": "req-1",
	})
	require.Equal(t, http.StatusCreated, code, "a replay returns the original")

	code, env = s.json(http.MethodGet, "/v1/messages/"+chatID, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var history []entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "gg", history[0].Content)

	code, _ = s.json(http.MethodGet, "/v1/messages/"+chatID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.json(http.MethodPost, "/v1/messages/"+chatID, "alice", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeValidation, env.Error.Code)
}

func TestMessages_IdempotencyHeader(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/"+chatID, strings.NewReader(`{"content":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token-alice")
	req.Header.Set("Idempotency-Key", "hdr-7")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var sent entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, "hdr-7", sent.ID)
}

func TestMessages_MultipartAttachments(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	body, contentType := multipartBody(t, "", map[string][]byte{"map.png": pngBytes})
	code, env := s.do(http.MethodPost, "/v1/messages/"+chatID, "alice", body, contentType)
	require.Equal(t, http.StatusCreated, code, string(env.Data))

	var sent entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	require.Len(t, sent.Attachments, 1)
	assert.Equal(t, "image/png", sent.Attachments[0].MimeType, "type comes from the bytes, not the client")
	assert.Equal(t, entity.AttachmentStatusPending, sent.AttachmentStatus)

	s.drain()

	code, env = s.json(http.MethodGet, "/v1/messages/"+chatID, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var history []entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	require.Len(t, history[0].Attachments, 1)
	att := history[0].Attachments[0]
	assert.Equal(t, entity.AttachmentStatusReady, history[0].AttachmentStatus)
	require.NotEmpty(t, att.Key)
	assert.Equal(t, "https://files.test/files/"+att.Key, att.URL)

	req := httptest.NewRequest(http.MethodGet, "/files/"+att.Key, nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, pngBytes, rec.Body.Bytes())
}

func TestMessages_RejectsDisallowedAttachment(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	body, contentType := multipartBody(t, "notes", map[string][]byte{"notes.png": []byte("plain text pretending to be an image")})
	code, env := s.do(http.MethodPost, "/v1/messages/"+chatID, "alice", body, contentType)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeValidation, env.Error.Code)
	assert.Zero(t, s.objects.Len())
}

func TestMessages_Delete(t *testing.T) {
	s := newTestServer(t, nil)
	chatID := s.directChat("alice", "bob")

	code, env := s.json(http.MethodPost, "/v1/messages/"+chatID, "alice", map[string]string{"content": "oops"})
	require.Equal(t, http.StatusCreated, code)
	var sent entity.MessageSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	s.drain()

	code, _ = s.json(http.MethodDelete, "/v1/messages/"+chatID+"/"+sent.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.json(http.MethodDelete, "/v1/messages/"+chatID+"/"+sent.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.json(http.MethodDelete, "/v1/messages/"+chatID+"/"+sent.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFiles_UnknownKey(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/files/chats/none/messages/x/1-a.png", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocket_Handshake(t *testing.T) {
	s := newTestServer(t, nil)
	base := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"

	t.Run("rejected token", func(t *testing.T) {
		conn, _, err := gorillaws.DefaultDialer.Dial(base+"?token=nope", nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var f ws.Frame
		require.NoError(t, conn.ReadJSON(&f))
		assert.Equal(t, entity.EventSocketError, f.Type)

		_, _, err = conn.ReadMessage()
		assert.True(t, gorillaws.IsCloseError(err, gorillaws.ClosePolicyViolation), "got %v", err)
	})

	t.Run("accepted token", func(t *testing.T) {
		conn, _, err := gorillaws.DefaultDialer.Dial(base+"?token=token-alice", nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var f ws.Frame
		require.NoError(t, conn.ReadJSON(&f))
		assert.Equal(t, entity.EventConnected, f.Type)

		var data map[string]string
		require.NoError(t, json.Unmarshal(f.Data, &data))
		assert.Equal(t, "alice", data["user_id"])
	})
}

func TestDevToken(t *testing.T) {
	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	users := repository.NewGormUserRepository(db)
	require.NoError(t, users.Upsert(context.Background(), &entity.User{ID: "dana", Username: "dana"}))

	newEcho := func(environment string) *echo.Echo {
		e := echo.New()
		router.SetupDevRouter(e, environment, handler.NewDevTokenHandler("dev-secret", users))
		return e
	}
	get := func(e *echo.Echo, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusNotFound, get(newEcho("production"), "/_dev/token/dana").Code)

	dev := newEcho("development")
	rec := get(dev, "/_dev/token/dana")
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.NotEmpty(t, body.Token)

	assert.Equal(t, http.StatusNotFound, get(dev, "/_dev/token/nobody").Code)
}
