package config

import (
	"fmt"
	"time"
)

// Config is the main toolbridge configuration
type Config struct {
	// Data directory for conversation archives and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Reasoner (LLM provider) configuration
	Reasoner ReasonerConfig `json:"reasoner" mapstructure:"reasoner"`

	// Agent profiles
	Agents []AgentProfile `json:"agents" mapstructure:"agents"`

	// Transport endpoints
	Transports TransportsConfig `json:"transports" mapstructure:"transports"`

	// Built-in tool backends
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Conversation retention
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds the websocket gateway configuration
type GatewayConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// ReasonerConfig selects and configures the reasoning-step provider
type ReasonerConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // "openai" or "anthropic"
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// AgentProfile binds a system instruction to a tool set and a turn budget
type AgentProfile struct {
	ID          string   `json:"id" mapstructure:"id"`
	Instruction string   `json:"instruction" mapstructure:"instruction"`
	Tools       []string `json:"tools" mapstructure:"tools"`
	MaxCycles   int      `json:"max_cycles" mapstructure:"max_cycles"`
}

// TransportsConfig declares the child-process and HTTP tool endpoints
type TransportsConfig struct {
	Stdio []StdioEndpoint `json:"stdio" mapstructure:"stdio"`
	HTTP  []HTTPEndpoint  `json:"http" mapstructure:"http"`
}

// ToolDecl declares a tool served by a remote endpoint. Remote tools
// cannot be introspected at config time, so their schemas live here.
type ToolDecl struct {
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description" mapstructure:"description"`
	InputSchema map[string]any `json:"input_schema" mapstructure:"input_schema"`
	Progress    string         `json:"progress" mapstructure:"progress"`
}

// StdioEndpoint describes a child process serving tools over its std streams
type StdioEndpoint struct {
	Name    string        `json:"name" mapstructure:"name"`
	Command string        `json:"command" mapstructure:"command"`
	Args    []string      `json:"args" mapstructure:"args"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Tools   []ToolDecl    `json:"tools" mapstructure:"tools"`
}

// HTTPEndpoint describes a remote tool service reachable over HTTP
type HTTPEndpoint struct {
	Name    string        `json:"name" mapstructure:"name"`
	BaseURL string        `json:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Tools   []ToolDecl    `json:"tools" mapstructure:"tools"`
}

// ToolsConfig points the built-in tools at their backing services. Empty
// URLs mean the public endpoints.
type ToolsConfig struct {
	FrankfurterURL    string `json:"frankfurter_url" mapstructure:"frankfurter_url"`
	UCUMURL           string `json:"ucum_url" mapstructure:"ucum_url"`
	AdobeURL          string `json:"adobe_url" mapstructure:"adobe_url"`
	AdobeClientID     string `json:"adobe_client_id" mapstructure:"adobe_client_id"`
	AdobeClientSecret string `json:"adobe_client_secret" mapstructure:"adobe_client_secret"`
}

// RetentionConfig controls the conversation archive sweep
type RetentionConfig struct {
	MaxAge   time.Duration `json:"max_age" mapstructure:"max_age"`
	Schedule string        `json:"schedule" mapstructure:"schedule"` // cron spec
}

// Validate checks the configuration for obvious misconfiguration
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	switch c.Reasoner.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported reasoner provider: %s", c.Reasoner.Provider)
	}

	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}

	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent profile id cannot be empty")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent profile id: %s", a.ID)
		}
		seen[a.ID] = true
		if a.MaxCycles < 0 {
			return fmt.Errorf("agent %s: max_cycles cannot be negative", a.ID)
		}
	}

	for _, ep := range c.Transports.Stdio {
		if ep.Name == "" || ep.Command == "" {
			return fmt.Errorf("stdio endpoint requires name and command")
		}
	}
	for _, ep := range c.Transports.HTTP {
		if ep.Name == "" || ep.BaseURL == "" {
			return fmt.Errorf("http endpoint requires name and base_url")
		}
	}

	return nil
}

// DefaultAgents returns the built-in agent profiles. The first profile is
// the default when a request names no agent.
func DefaultAgents() []AgentProfile {
	return []AgentProfile{
		{
			ID: "assistant",
			Instruction: "You are a helpful assistant. Use the available tools to answer questions " +
				"about currency exchange rates, unit conversions and PDF splitting. " +
				"Set response status to input_required if the user needs to provide more information. " +
				"Set response status to error if there is an error while processing the request and explain what the error is. " +
				"Set response status to completed if the request is complete.",
			MaxCycles: 10,
		},
		{
			ID: "currency",
			Instruction: "You are a specialized assistant for currency conversions. " +
				"Your sole purpose is to use the 'get_exchange_rate' tool to answer questions about currency exchange rates. " +
				"If the user asks about anything other than currency conversion or exchange rates, " +
				"politely state that you cannot help with that topic and can only assist with currency-related queries. " +
				"Do not attempt to answer unrelated questions or use tools for other purposes. " +
				"Set response status to input_required if the user needs to provide more information. " +
				"Set response status to error if there is an error while processing the request and explain what the error is. " +
				"Set response status to completed if the request is complete.",
			Tools:     []string{"get_exchange_rate"},
			MaxCycles: 10,
		},
		{
			ID: "units",
			Instruction: "You are a specialized assistant for unit conversions using the UCUM (Unified Code for Units of Measure) system. " +
				"Your sole purpose is to use the 'convert_units' tool to answer questions about converting between units of measurement. " +
				"Automatically use the appropriate UCUM notation for the units provided by the user, " +
				"for example \"m\" (meter), \"[ft_i]\" (international foot), \"cel\" (Celsius), \"kg\" (kilogram), \"lb\" (pound). " +
				"If the user asks about anything other than unit conversion, politely state that you can only assist with unit conversion queries. " +
				"Set response status to input_required if the user needs to provide more information (like specifying units or values). " +
				"Set response status to error if there is an error while processing the request and explain what the error is. " +
				"Set response status to completed if the request is complete.",
			Tools:     []string{"convert_units"},
			MaxCycles: 10,
		},
		{
			ID: "pdf",
			Instruction: "You are a specialized assistant for splitting PDF files. " +
				"Your sole purpose is to use the 'split_pdf' tool to split a PDF document. " +
				"When a user asks you to split a PDF you need two pieces of information: " +
				"the file path of the PDF and the page ranges for splitting. " +
				"If either is missing, set response status to input_required and ask for it. " +
				"If you have both, call the 'split_pdf' tool. " +
				"Set response status to error if there is an error while processing the request and explain what the error is. " +
				"Set response status to completed if the request is complete.",
			Tools:     []string{"split_pdf"},
			MaxCycles: 10,
		},
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 10020,
		},
		Reasoner: ReasonerConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   4096,
		},
		Agents: DefaultAgents(),
		Retention: RetentionConfig{
			MaxAge:   7 * 24 * time.Hour,
			Schedule: "0 3 * * *",
		},
	}
}
