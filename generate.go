package metaminer

// GenerateOption represents options for generation
type GenerateOption func(*GenerateConfig)

// GenerateConfig is what an Invoker receives besides the prompt.
type GenerateConfig struct {
	SystemPrompt string
	SchemaName   string
	Schema       []byte // JSON Schema the response should follow, may be nil
	Temperature  *float32
}

// NewGenerateConfig applies opts to an empty config.
func NewGenerateConfig(opts ...GenerateOption) GenerateConfig {
	var cfg GenerateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSystemPrompt sets the system message
func WithSystemPrompt(s string) GenerateOption {
	return func(cfg *GenerateConfig) {
		cfg.SystemPrompt = s
	}
}

// WithResponseSchema asks for a response constrained to the given JSON Schema
func WithResponseSchema(name string, schema []byte) GenerateOption {
	return func(cfg *GenerateConfig) {
		cfg.SchemaName = name
		cfg.Schema = schema
	}
}

// WithGenerateTemperature sets the sampling temperature
func WithGenerateTemperature(t *float32) GenerateOption {
	return func(cfg *GenerateConfig) {
		cfg.Temperature = t
	}
}
