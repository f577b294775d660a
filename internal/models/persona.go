package models

import "time"

// Provider names accepted for a persona. The set mirrors the adapters the
// service is built against; new providers slot in alongside these.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderGemini    = "gemini"
)

// KnownProviders lists the providers a persona may reference.
var KnownProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek, ProviderGemini}

// IsKnownProvider reports whether name is in the accepted provider set.
func IsKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// Persona bundles a provider, model and sampling parameters with the
// instructional framing used to produce a turn's response.
type Persona struct {
	ID                 int64          `json:"id"`
	Name               string         `json:"name"`
	Provider           string         `json:"provider"`
	ModelID            string         `json:"model_id"`
	PersonaName        string         `json:"persona_name"`
	PersonaDescription string         `json:"persona_description"`
	PersonaInstruct    string         `json:"persona_instructions"`
	Temperature        float64        `json:"temperature"`
	MaxTokens          int            `json:"max_tokens"`
	TopP               float64        `json:"top_p"`
	ProviderParameters map[string]any `json:"provider_parameters"`
	IsActive           bool           `json:"is_active"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ModelLabel is the denormalized display name snapshotted onto turns so a
// turn keeps rendering after its persona is deleted.
func (p *Persona) ModelLabel() string {
	if p == nil {
		return ""
	}
	if p.PersonaName != "" {
		return p.PersonaName
	}
	return p.Provider + "/" + p.ModelID
}
