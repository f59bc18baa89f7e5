package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend     string
	BaseURL     string
	APIKey      string
	Temperature *float64
}

// Detect returns the Engine named by cfg.Backend. An empty backend selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		e := NewOllamaEngine(cfg.BaseURL)
		if cfg.Temperature != nil {
			e.WithTemperature(*cfg.Temperature)
		}
		return e, nil
	case "openai":
		e := NewOpenAIEngine(cfg.BaseURL, cfg.APIKey)
		if cfg.Temperature != nil {
			e.WithTemperature(*cfg.Temperature)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}
