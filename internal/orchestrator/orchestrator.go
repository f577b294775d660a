package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"discoursego/internal/config"
	"discoursego/internal/models"
	"discoursego/internal/redis"
	"discoursego/internal/service/ai"
	"discoursego/internal/service/assistant"
)

const (
	defaultMaxConcurrent = 8
	persistTimeout       = 15 * time.Second
	docContextTTL        = 5 * time.Minute
)

// ErrBusy is returned when all generation slots are occupied.
var ErrBusy = errors.New("generation capacity exhausted, please retry")

// GeneratorFactory builds a provider-backed generator. Swappable in tests.
type GeneratorFactory func(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params ai.Params) (ai.Generator, error)

// Orchestrator drives turn generation: it assembles context from persona
// instructions, document text and prior turns, invokes the provider, and
// appends the result to the conversation.
type Orchestrator struct {
	assistant *assistant.Service
	cache     *redis.Client
	factory   GeneratorFactory

	providers        map[string]config.ProviderConfig
	defaultProvider  string
	defaultPersonaID int64

	slots chan struct{}

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	genMu      sync.Mutex
	generators map[string]ai.Generator
}

// New builds an orchestrator over the assistant service. A nil factory uses
// the real provider adapters.
func New(svc *assistant.Service, cfg *config.Config, cache *redis.Client, factory GeneratorFactory) *Orchestrator {
	if factory == nil {
		factory = ai.NewGenerator
	}
	maxConcurrent := cfg.BasicConfig.MaxConcurrentGenerations
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	defaultProvider := cfg.BasicConfig.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = models.ProviderOpenAI
	}
	return &Orchestrator{
		assistant:        svc,
		cache:            cache,
		factory:          factory,
		providers:        cfg.Providers,
		defaultProvider:  defaultProvider,
		defaultPersonaID: cfg.BasicConfig.DefaultPersonaID,
		slots:            make(chan struct{}, maxConcurrent),
		locks:            make(map[int64]*sync.Mutex),
		generators:       make(map[string]ai.Generator),
	}
}

// GenerateTurn runs one query through the full orchestration path and
// returns the appended turn.
func (o *Orchestrator) GenerateTurn(ctx context.Context, conversationID int64, query string, personaID *int64) (*models.Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.Invalidf("query is required")
	}

	if _, err := o.assistant.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	select {
	case o.slots <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-o.slots }()

	// Turn-number assignment for one conversation is serialized here; turns
	// in different conversations proceed in parallel.
	lock := o.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	persona, err := o.resolvePersona(ctx, personaID)
	if err != nil {
		return nil, err
	}

	docContext, err := o.documentContext(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	prior, err := o.assistant.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]models.Exchange, 0, len(prior))
	for _, t := range prior {
		history = append(history, models.Exchange{Query: t.Query, Response: t.Response})
	}

	gen, label, err := o.generatorFor(ctx, persona)
	if err != nil {
		return nil, err
	}

	response, err := gen.Generate(ctx, assembleInstructions(persona, docContext), history, query)
	if err != nil {
		return nil, err
	}

	// The provider call is the billable side effect; once it has returned,
	// the turn is persisted even if the caller has gone away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	turn := models.Turn{
		ConversationID: conversationID,
		Query:          query,
		Response:       response,
		ModelName:      label,
	}
	if persona != nil {
		turn.PersonaID = &persona.ID
	}
	return o.assistant.AppendTurn(persistCtx, turn)
}

// InvalidateDocuments drops the cached document context for a conversation.
// Called after uploads and deletions so the next turn sees fresh context.
func (o *Orchestrator) InvalidateDocuments(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = o.cache.Del(ctx, docContextKey(conversationID))
}

// resolvePersona applies the fallback chain: requested active persona, then
// the configured default persona, then no framing at all. A stale or
// inactive reference degrades instead of failing the request.
func (o *Orchestrator) resolvePersona(ctx context.Context, personaID *int64) (*models.Persona, error) {
	lookup := func(id int64) (*models.Persona, error) {
		p, err := o.assistant.GetPersona(ctx, id)
		if err != nil {
			var nf *models.NotFoundError
			if errors.As(err, &nf) {
				return nil, nil
			}
			return nil, err
		}
		if !p.IsActive {
			return nil, nil
		}
		return p, nil
	}

	if personaID != nil {
		p, err := lookup(*personaID)
		if err != nil || p != nil {
			return p, err
		}
	}
	if personaID != nil && o.defaultPersonaID > 0 {
		return lookup(o.defaultPersonaID)
	}
	return nil, nil
}

func (o *Orchestrator) generatorFor(ctx context.Context, persona *models.Persona) (ai.Generator, string, error) {
	var (
		key      string
		label    string
		provider string
		modelID  string
		params   ai.Params
	)
	if persona != nil {
		key = fmt.Sprintf("persona:%d@%d", persona.ID, persona.UpdatedAt.UnixNano())
		label = persona.ModelLabel()
		provider = persona.Provider
		modelID = persona.ModelID
		params = ai.Params{
			Temperature: persona.Temperature,
			MaxTokens:   persona.MaxTokens,
			TopP:        persona.TopP,
			Extra:       persona.ProviderParameters,
		}
	} else {
		provider = o.defaultProvider
		modelID = o.providers[provider].Model
		key = "default:" + provider
		label = provider + "/" + modelID
		params = ai.DefaultParams
	}

	o.genMu.Lock()
	gen, ok := o.generators[key]
	o.genMu.Unlock()
	if ok {
		return gen, label, nil
	}

	gen, err := o.factory(ctx, o.providers, provider, modelID, params)
	if err != nil {
		return nil, "", err
	}
	o.genMu.Lock()
	o.generators[key] = gen
	o.genMu.Unlock()
	return gen, label, nil
}

func (o *Orchestrator) documentContext(ctx context.Context, conversationID int64) (string, error) {
	key := docContextKey(conversationID)
	if cached, err := o.cache.Get(ctx, key); err == nil {
		return cached, nil
	}
	text, err := o.assistant.DocumentContext(ctx, conversationID)
	if err != nil {
		return "", err
	}
	_ = o.cache.Set(ctx, key, text, docContextTTL)
	return text, nil
}

func (o *Orchestrator) conversationLock(conversationID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[conversationID] = lock
	}
	return lock
}

func assembleInstructions(persona *models.Persona, docContext string) string {
	var parts []string
	if persona != nil && strings.TrimSpace(persona.PersonaInstruct) != "" {
		parts = append(parts, strings.TrimSpace(persona.PersonaInstruct))
	}
	if docContext != "" {
		parts = append(parts, "Reference documents:\n"+docContext)
	}
	return strings.Join(parts, "\n\n")
}

func docContextKey(conversationID int64) string {
	return fmt.Sprintf("docctx:%d", conversationID)
}
