package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"discoursego/internal/config"
	"discoursego/internal/models"
	"discoursego/internal/redis"
	"discoursego/internal/service/ai"
	"discoursego/internal/service/assistant"
	"discoursego/internal/storage"
)

type fakeGenerator struct {
	mu               sync.Mutex
	response         string
	err              error
	calls            int32
	lastInstructions string
	lastHistory      []models.Exchange
	lastQuery        string
	beforeReturn     func()
}

func (f *fakeGenerator) Generate(ctx context.Context, instructions string, history []models.Exchange, query string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.lastInstructions = instructions
	f.lastHistory = append([]models.Exchange(nil), history...)
	f.lastQuery = query
	f.mu.Unlock()
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.response != "" {
		return f.response, nil
	}
	return fmt.Sprintf("reply to %q", query), nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		BasicConfig: config.BasicConfig{
			DefaultProvider:          models.ProviderOpenAI,
			MaxConcurrentGenerations: 64,
		},
		Providers: map[string]config.ProviderConfig{
			models.ProviderOpenAI: {Model: "gpt-4"},
		},
	}
}

func newTestOrchestrator(t *testing.T, fake *fakeGenerator) (*Orchestrator, *assistant.Service, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	svc := assistant.NewService(db)
	factory := func(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params ai.Params) (ai.Generator, error) {
		return fake, nil
	}
	return New(svc, testConfig(), nil, factory), svc, db
}

func TestGenerateTurnScenario(t *testing.T) {
	fake := &fakeGenerator{response: "Hi there"}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	turn, err := orch.GenerateTurn(ctx, conv.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("generate turn: %v", err)
	}
	if turn.TurnNumber != 1 || turn.Response != "Hi there" || turn.PersonaID != nil {
		t.Fatalf("unexpected first turn: %+v", turn)
	}
	if turn.ModelName != "openai/gpt-4" {
		t.Fatalf("expected generic model label, got %q", turn.ModelName)
	}

	fake.response = "Doing well"
	second, err := orch.GenerateTurn(ctx, conv.ID, "How are you?", nil)
	if err != nil {
		t.Fatalf("generate second turn: %v", err)
	}
	if second.TurnNumber != 2 {
		t.Fatalf("expected turn_number 2, got %d", second.TurnNumber)
	}
	if len(fake.lastHistory) != 1 || fake.lastHistory[0].Query != "Hello" || fake.lastHistory[0].Response != "Hi there" {
		t.Fatalf("prior turns not passed as history: %+v", fake.lastHistory)
	}

	turns, err := svc.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Response != "Hi there" {
		t.Fatalf("turn 1 not preserved: %+v", turns)
	}
}

func TestGenerateTurnRejectsBlankQuery(t *testing.T) {
	fake := &fakeGenerator{}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	_, err = orch.GenerateTurn(ctx, conv.ID, "   \t", nil)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if atomic.LoadInt32(&fake.calls) != 0 {
		t.Fatalf("provider must not be called for blank query")
	}
	turns, err := svc.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("storage mutated on blank query: %+v", turns)
	}
}

func TestGenerateTurnMissingConversation(t *testing.T) {
	fake := &fakeGenerator{}
	orch, _, db := newTestOrchestrator(t, fake)
	defer db.Close()

	_, err := orch.GenerateTurn(context.Background(), 77, "Hello", nil)
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGenerateTurnProviderFailureLeavesNoTurn(t *testing.T) {
	fake := &fakeGenerator{err: &models.ProviderError{Provider: "openai", Retryable: true, Err: errors.New("rate limited")}}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	_, err = orch.GenerateTurn(ctx, conv.ID, "Hello", nil)
	var perr *models.ProviderError
	if !errors.As(err, &perr) || !perr.Retryable {
		t.Fatalf("expected retryable ProviderError, got %v", err)
	}
	turns, err := svc.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("no turn may be persisted on provider failure: %+v", turns)
	}
}

func TestGenerateTurnWithPersonaFraming(t *testing.T) {
	fake := &fakeGenerator{response: "ok"}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	persona, err := svc.CreatePersona(ctx, models.Persona{
		Name:            "analyst",
		Provider:        models.ProviderOpenAI,
		ModelID:         "gpt-4",
		PersonaName:     "The Analyst",
		PersonaInstruct: "Answer with citations.",
		Temperature:     0.7,
		MaxTokens:       500,
		TopP:            1.0,
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}

	turn, err := orch.GenerateTurn(ctx, conv.ID, "Hello", &persona.ID)
	if err != nil {
		t.Fatalf("generate turn: %v", err)
	}
	if turn.PersonaID == nil || *turn.PersonaID != persona.ID {
		t.Fatalf("persona reference missing: %+v", turn)
	}
	if turn.ModelName != "The Analyst" {
		t.Fatalf("model label should snapshot persona name, got %q", turn.ModelName)
	}
	if fake.lastInstructions != "Answer with citations." {
		t.Fatalf("persona instructions not framed: %q", fake.lastInstructions)
	}
}

func TestGenerateTurnStalePersonaDegrades(t *testing.T) {
	fake := &fakeGenerator{response: "ok"}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	stale := int64(12345)
	turn, err := orch.GenerateTurn(ctx, conv.ID, "Hello", &stale)
	if err != nil {
		t.Fatalf("stale persona must not fail the request: %v", err)
	}
	if turn.PersonaID != nil {
		t.Fatalf("expected no persona reference, got %v", turn.PersonaID)
	}
	if fake.lastInstructions != "" {
		t.Fatalf("expected no framing, got %q", fake.lastInstructions)
	}
}

func TestGenerateTurnInactivePersonaFallsBackToDefault(t *testing.T) {
	fake := &fakeGenerator{response: "ok"}
	db := openTestDB(t)
	defer db.Close()
	svc := assistant.NewService(db)
	ctx := context.Background()

	inactive, err := svc.CreatePersona(ctx, models.Persona{
		Name: "retired", Provider: models.ProviderOpenAI, ModelID: "gpt-4",
		PersonaName: "Retired", Temperature: 0.7, MaxTokens: 500, TopP: 1.0, IsActive: false,
	})
	if err != nil {
		t.Fatalf("create inactive persona: %v", err)
	}
	fallback, err := svc.CreatePersona(ctx, models.Persona{
		Name: "house", Provider: models.ProviderOpenAI, ModelID: "gpt-4",
		PersonaName: "House Voice", PersonaInstruct: "Be neutral.",
		Temperature: 0.7, MaxTokens: 500, TopP: 1.0, IsActive: true,
	})
	if err != nil {
		t.Fatalf("create fallback persona: %v", err)
	}

	cfg := testConfig()
	cfg.BasicConfig.DefaultPersonaID = fallback.ID
	factory := func(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params ai.Params) (ai.Generator, error) {
		return fake, nil
	}
	orch := New(svc, cfg, nil, factory)

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	turn, err := orch.GenerateTurn(ctx, conv.ID, "Hello", &inactive.ID)
	if err != nil {
		t.Fatalf("generate turn: %v", err)
	}
	if turn.PersonaID == nil || *turn.PersonaID != fallback.ID {
		t.Fatalf("expected fallback to default persona, got %v", turn.PersonaID)
	}
	if fake.lastInstructions != "Be neutral." {
		t.Fatalf("default persona framing missing: %q", fake.lastInstructions)
	}
}

func TestGenerateTurnIncludesDocumentContext(t *testing.T) {
	fake := &fakeGenerator{response: "ok"}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO documents (conversation_id, file_name, stored_path, mime_type, size, extracted_text, created_at)
		 VALUES (?, 'notes.txt', '/tmp/notes.txt', 'text/plain', 20, 'revenue grew 12%', CURRENT_TIMESTAMP)`,
		conv.ID,
	); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	if _, err := orch.GenerateTurn(ctx, conv.ID, "Summarize", nil); err != nil {
		t.Fatalf("generate turn: %v", err)
	}
	if want := "revenue grew 12%"; !strings.Contains(fake.lastInstructions, want) {
		t.Fatalf("document text missing from instructions: %q", fake.lastInstructions)
	}
}

func TestGenerateTurnPersistsAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeGenerator{response: "answered", beforeReturn: cancel}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()

	conv, err := svc.CreateConversation(context.Background(), "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	turn, err := orch.GenerateTurn(ctx, conv.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("turn must persist once the provider responded: %v", err)
	}
	if turn.Response != "answered" {
		t.Fatalf("unexpected response: %q", turn.Response)
	}
	turns, err := svc.ListTurns(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected persisted turn, got %d", len(turns))
	}
}

func TestGenerateTurnBusyWhenSlotsFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fake := &fakeGenerator{response: "ok", beforeReturn: func() {
		entered <- struct{}{}
		<-release
	}}
	db := openTestDB(t)
	defer db.Close()
	svc := assistant.NewService(db)
	cfg := testConfig()
	cfg.BasicConfig.MaxConcurrentGenerations = 1
	factory := func(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params ai.Params) (ai.Generator, error) {
		return fake, nil
	}
	orch := New(svc, cfg, nil, factory)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	other, err := svc.CreateConversation(ctx, "Other")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := orch.GenerateTurn(ctx, conv.ID, "Hello", nil)
		firstErr <- err
	}()
	<-entered

	// The slot is held across conversations, not per conversation.
	if _, err := orch.GenerateTurn(ctx, other.ID, "Hi", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while the slot is held, got %v", err)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	fake.beforeReturn = nil
	if _, err := orch.GenerateTurn(ctx, other.ID, "Hi again", nil); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func newCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	cfg := &config.Config{}
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatalf("split host port: %v", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			t.Fatalf("atoi port: %v", err)
		}
		cfg.Redis.Host = host
		cfg.Redis.Port = port
	}
	cache, err := redis.NewClient(cfg)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return cache
}

func TestGenerateTurnCachedDocumentContextInvalidation(t *testing.T) {
	cache := newCacheClient(t)
	defer cache.Close()

	fake := &fakeGenerator{response: "ok"}
	db := openTestDB(t)
	defer db.Close()
	svc := assistant.NewService(db)
	factory := func(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params ai.Params) (ai.Generator, error) {
		return fake, nil
	}
	orch := New(svc, testConfig(), cache, factory)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	// Ids restart with each in-memory database; drop state a previous run
	// may have left under the same key.
	orch.InvalidateDocuments(conv.ID)
	t.Cleanup(func() { orch.InvalidateDocuments(conv.ID) })

	if _, err := orch.GenerateTurn(ctx, conv.ID, "Hello", nil); err != nil {
		t.Fatalf("generate turn: %v", err)
	}
	if fake.lastInstructions != "" {
		t.Fatalf("expected no document context yet, got %q", fake.lastInstructions)
	}
	if _, err := cache.Get(ctx, docContextKey(conv.ID)); err != nil {
		t.Fatalf("document context not cached after first turn: %v", err)
	}

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("margin improved in Q3"), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	if _, err := svc.RecordDocument(ctx, conv.ID, "notes.txt", path, "text/plain", int64(len("margin improved in Q3"))); err != nil {
		t.Fatalf("record document: %v", err)
	}
	orch.InvalidateDocuments(conv.ID)

	if _, err := orch.GenerateTurn(ctx, conv.ID, "Summarize", nil); err != nil {
		t.Fatalf("generate second turn: %v", err)
	}
	if !strings.Contains(fake.lastInstructions, "margin improved in Q3") {
		t.Fatalf("stale document context served after upload: %q", fake.lastInstructions)
	}
}

func TestConcurrentGenerateTurnNumbersAreContiguous(t *testing.T) {
	fake := &fakeGenerator{}
	orch, svc, db := newTestOrchestrator(t, fake)
	defer db.Close()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := orch.GenerateTurn(ctx, conv.ID, fmt.Sprintf("query %d", i), nil); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent generate: %v", err)
	}

	turns, err := svc.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != callers {
		t.Fatalf("expected %d turns, got %d", callers, len(turns))
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Fatalf("turn numbers not contiguous: position %d has number %d", i, turn.TurnNumber)
		}
	}
}
