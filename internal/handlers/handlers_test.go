package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/api/middleware"
	"github.com/arborlabs/arbor/internal/config"
	"github.com/arborlabs/arbor/internal/generation"
	"github.com/arborlabs/arbor/internal/models"
	"github.com/arborlabs/arbor/internal/stream"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[string]*models.Chat
	messages map[string][]models.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]models.Message),
	}
}

func (s *fakeStore) Close() {}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[chat.ID]; exists {
		return nil
	}
	c := *chat
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.chats[chat.ID] = &c
	return nil
}

func (s *fakeStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListChats(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for _, c := range s.chats {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) SetChatPublic(ctx context.Context, id string, isPublic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[id]; ok {
		c.IsPublic = isPublic
	}
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	return &m, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[chatID]...), nil
}

// fakeGenerator streams a fixed set of fragments.
type fakeGenerator struct {
	fragments []string
	block     chan struct{} // when non-nil, Stream blocks until closed
	started   chan struct{}
	startOnce sync.Once
}

type fakeTextStream struct {
	fragments []string
	pos       int
}

func (s *fakeTextStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *fakeTextStream) Close() error { return nil }

func (g *fakeGenerator) Stream(ctx context.Context, model string, history []models.Message) (generation.TextStream, error) {
	if g.started != nil {
		g.startOnce.Do(func() { close(g.started) })
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeTextStream{fragments: g.fragments}, nil
}

func (g *fakeGenerator) Complete(ctx context.Context, model, prompt string) (string, error) {
	return "Test chat title", nil
}

type testEnv struct {
	handler *Handler
	store   *fakeStore
	broker  *stream.Broker
	userID  uuid.UUID
}

func newTestEnv(t *testing.T, gen generation.Generator) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	st := newFakeStore()
	broker := stream.NewBroker(logger)
	cfg := &config.Config{
		DefaultModel:  "test-model",
		TitleModel:    "test-model",
		BatchMaxChars: 20,
		BatchInterval: 100 * time.Millisecond,
	}
	worker := generation.NewWorker(gen, st, broker, generation.Config{
		BatchMaxChars: cfg.BatchMaxChars,
		BatchInterval: cfg.BatchInterval,
		TitleModel:    cfg.TitleModel,
	}, logger)
	supervisor := generation.NewSupervisor(worker)

	return &testEnv{
		handler: NewHandler(st, broker, supervisor, gen, nil, cfg, logger),
		store:   st,
		broker:  broker,
		userID:  uuid.New(),
	}
}

// doRequest routes the request through a minimal chi router so URL params
// resolve, with the test user injected as if authenticated.
func (e *testEnv) doRequest(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req = req.WithContext(middleware.WithUser(req.Context(), e.userID))

	r := chi.NewRouter()
	r.Post("/chats/{chatID}/messages", e.handler.SubmitMessage)
	r.Get("/chats/{chatID}/messages", e.handler.ListMessages)
	r.Get("/chats", e.handler.ListChats)
	r.Patch("/chats/{chatID}/sharing", e.handler.UpdateSharing)
	r.Post("/chats/{chatID}/generate", e.handler.StartGeneration)
	r.Get("/shared/{chatID}", e.handler.GetSharedChat)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitMessagePersists(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	rec := env.doRequest("POST", "/chats/chat-1/messages", SubmitMessageRequest{
		Content: "Hello there",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var msg models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected a generated message id")
	}
	if msg.Role != models.RoleUser {
		t.Errorf("expected role user, got %q", msg.Role)
	}

	stored, _ := env.store.ListMessages(context.Background(), "chat-1")
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
	if stored[0].Content != "Hello there" {
		t.Errorf("unexpected content %q", stored[0].Content)
	}

	// First message creates the chat with a synthesized title.
	chat, _ := env.store.GetChat(context.Background(), "chat-1")
	if chat == nil {
		t.Fatal("expected chat to be created on first message")
	}
	if chat.Title != "Test chat title" || chat.UserID != env.userID {
		t.Errorf("unexpected chat record: %+v", chat)
	}
}

func TestSubmitMessageKeepsExistingTitle(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: env.userID,
		Title:  "Original title",
	})

	rec := env.doRequest("POST", "/chats/chat-1/messages", SubmitMessageRequest{
		Content: "Another turn",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	chat, _ := env.store.GetChat(context.Background(), "chat-1")
	if chat.Title != "Original title" {
		t.Errorf("title must be synthesized only once, got %q", chat.Title)
	}
}

func TestSubmitMessageKeepsClientID(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	clientID := uuid.New().String()

	rec := env.doRequest("POST", "/chats/chat-1/messages", SubmitMessageRequest{
		ID:      clientID,
		Content: "Hello",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var msg models.Message
	_ = json.Unmarshal(rec.Body.Bytes(), &msg)
	if msg.ID != clientID {
		t.Errorf("expected client id %q preserved, got %q", clientID, msg.ID)
	}
}

func TestSanitizeContentTruncatesOnRuneBoundary(t *testing.T) {
	// A multi-byte rune straddling the length cap must be dropped whole,
	// never split into invalid UTF-8. The é below starts at the last byte
	// inside the cap and ends one byte past it.
	content := strings.Repeat("a", maxContentLength-1) + "éxyz"

	got := sanitizeContent(content)
	if len(got) != maxContentLength-1 {
		t.Fatalf("expected %d bytes, got %d", maxContentLength-1, len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncated content is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "a") {
		t.Errorf("expected the split rune dropped whole, got tail %q", got[len(got)-4:])
	}
}

func TestSubmitMessageRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	rec := env.doRequest("POST", "/chats/chat-1/messages", SubmitMessageRequest{
		Content: "   \n\t ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitMessageDeniedForForeignChat(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: uuid.New(), // someone else
		Title:  "Theirs",
	})

	rec := env.doRequest("POST", "/chats/chat-1/messages", SubmitMessageRequest{
		Content: "Hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListMessagesPublicChatReadableByAnyone(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:       "chat-1",
		UserID:   uuid.New(),
		Title:    "Theirs",
		IsPublic: true,
	})
	_, _ = env.store.AppendMessage(context.Background(), &models.Message{
		ID: "m1", ChatID: "chat-1", Role: models.RoleUser, Content: "hi",
	})

	rec := env.doRequest("GET", "/chats/chat-1/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a public chat, got %d", rec.Code)
	}

	env2 := newTestEnv(t, &fakeGenerator{})
	_ = env2.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-2",
		UserID: uuid.New(),
		Title:  "Private",
	})
	rec = env2.doRequest("GET", "/chats/chat-2/messages", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a private foreign chat, got %d", rec.Code)
	}
}

func TestUpdateSharing(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: env.userID,
		Title:  "Mine",
	})

	rec := env.doRequest("PATCH", "/chats/chat-1/sharing", UpdateSharingRequest{IsPublic: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	chat, _ := env.store.GetChat(context.Background(), "chat-1")
	if !chat.IsPublic {
		t.Error("expected chat to be public")
	}
}

func TestUpdateSharingForeignChatIsNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: uuid.New(),
		Title:  "Theirs",
	})

	rec := env.doRequest("PATCH", "/chats/chat-1/sharing", UpdateSharingRequest{IsPublic: true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	chat, _ := env.store.GetChat(context.Background(), "chat-1")
	if chat.IsPublic {
		t.Error("sharing must not change on a foreign chat")
	}
}

func TestGetSharedChat(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:       "chat-1",
		UserID:   uuid.New(),
		Title:    "Public chat",
		IsPublic: true,
	})
	_, _ = env.store.AppendMessage(context.Background(), &models.Message{
		ID: "m1", ChatID: "chat-1", Role: models.RoleUser, Content: "hi",
	})

	rec := env.doRequest("GET", "/shared/chat-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Chat     models.Chat      `json:"chat"`
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Chat.Title != "Public chat" || len(resp.Messages) != 1 {
		t.Errorf("unexpected shared payload: %+v", resp)
	}
}

func TestGetSharedChatPrivateIsNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: uuid.New(),
		Title:  "Private",
	})

	rec := env.doRequest("GET", "/shared/chat-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartGenerationAccepted(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{fragments: []string{"Hi", " there"}})
	parent := "m1"

	rec := env.doRequest("POST", "/chats/chat-1/generate", GenerateRequest{
		Messages: []models.Message{
			{ID: parent, Role: models.RoleUser, Content: "Hello"},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "generation_started" || resp["runId"] == "" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestStartGenerationRequiresHistory(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	rec := env.doRequest("POST", "/chats/chat-1/generate", GenerateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartGenerationRejectsAssistantTail(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	rec := env.doRequest("POST", "/chats/chat-1/generate", GenerateRequest{
		Messages: []models.Message{
			{ID: "m1", Role: models.RoleAssistant, Content: "Hello"},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartGenerationResolvesLeaf(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{fragments: []string{"ok"}})
	_, _ = env.store.AppendMessage(context.Background(), &models.Message{
		ID: "m1", ChatID: "chat-1", Role: models.RoleUser, Content: "Hello",
	})

	rec := env.doRequest("POST", "/chats/chat-1/generate", GenerateRequest{
		LeafMessageID: "m1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartGenerationUnknownLeaf(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	rec := env.doRequest("POST", "/chats/chat-1/generate", GenerateRequest{
		LeafMessageID: "missing",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartGenerationConflictWhileActive(t *testing.T) {
	gen := &fakeGenerator{
		fragments: []string{"ok"},
		block:     make(chan struct{}),
		started:   make(chan struct{}),
	}
	env := newTestEnv(t, gen)
	body := GenerateRequest{
		Messages: []models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "Hello"},
		},
	}

	rec := env.doRequest("POST", "/chats/chat-1/generate", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	<-gen.started
	rec = env.doRequest("POST", "/chats/chat-1/generate", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a run is active, got %d", rec.Code)
	}

	close(gen.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.handler.supervisor.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

// preloadedSubscription feeds a fixed event sequence to the SSE handler.
type preloadedSubscription struct {
	events chan stream.Event
	closed bool
}

func (s *preloadedSubscription) Events() <-chan stream.Event { return s.events }
func (s *preloadedSubscription) Close() error {
	s.closed = true
	return nil
}

type preloadedTransport struct {
	sub *preloadedSubscription
}

func (t *preloadedTransport) Publish(ctx context.Context, chatID string, ev stream.Event) error {
	return nil
}

func (t *preloadedTransport) Subscribe(ctx context.Context, chatID string) (stream.Subscription, error) {
	return t.sub, nil
}

func TestSubscribeRelaysUntilDone(t *testing.T) {
	sub := &preloadedSubscription{events: make(chan stream.Event, 8)}
	sub.events <- stream.Chunk("Hello")
	sub.events <- stream.Chunk(" world")
	sub.events <- stream.Done()

	env := newTestEnv(t, &fakeGenerator{})
	env.handler.transport = &preloadedTransport{sub: sub}

	req := httptest.NewRequest("GET", "/chats/chat-1/subscribe", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), env.userID))
	rec := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Get("/chats/{chatID}/subscribe", env.handler.Subscribe)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}
	if !sub.closed {
		t.Error("expected subscription to be closed")
	}

	var got []stream.Event
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := stream.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			t.Fatalf("malformed SSE payload %q: %v", line, err)
		}
		got = append(got, ev)
	}

	want := []stream.Event{stream.Chunk("Hello"), stream.Chunk(" world"), stream.Done()}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSubscribePublicChatViewableByAnyone(t *testing.T) {
	sub := &preloadedSubscription{events: make(chan stream.Event, 8)}
	sub.events <- stream.Chunk("live")
	sub.events <- stream.Done()

	env := newTestEnv(t, &fakeGenerator{})
	env.handler.transport = &preloadedTransport{sub: sub}
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:       "chat-1",
		UserID:   uuid.New(), // someone else's, but shared
		Title:    "Shared",
		IsPublic: true,
	})

	req := httptest.NewRequest("GET", "/chats/chat-1/subscribe", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), env.userID))
	rec := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Get("/chats/{chatID}/subscribe", env.handler.Subscribe)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a public chat, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"live"`) {
		t.Errorf("expected streamed chunk in body, got %q", rec.Body.String())
	}
}

func TestSubscribePrivateForeignChatIsNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	_ = env.store.CreateChat(context.Background(), &models.Chat{
		ID:     "chat-1",
		UserID: uuid.New(),
		Title:  "Private",
	})

	req := httptest.NewRequest("GET", "/chats/chat-1/subscribe", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), env.userID))
	rec := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Get("/chats/{chatID}/subscribe", env.handler.Subscribe)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a private foreign chat, got %d", rec.Code)
	}
}

func TestSubscribeStopsOnDisconnect(t *testing.T) {
	sub := &preloadedSubscription{events: make(chan stream.Event)}
	env := newTestEnv(t, &fakeGenerator{})
	env.handler.transport = &preloadedTransport{sub: sub}

	ctx, cancel := context.WithCancel(middleware.WithUser(context.Background(), env.userID))
	cancel()

	req := httptest.NewRequest("GET", "/chats/chat-1/subscribe", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Get("/chats/{chatID}/subscribe", env.handler.Subscribe)
	r.ServeHTTP(rec, req)

	if !sub.closed {
		t.Error("expected subscription to be closed on disconnect")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Checks["store"].Status != "up" {
		t.Errorf("expected store up, got %+v", resp.Checks["store"])
	}
}
