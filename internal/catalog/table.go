package catalog

// modelTable, aliasTable and providerTable are the static catalog data.
// Seeded from the provider/model universe already enumerated by the
// dispatch layer's provider registry, with pricing/context/capability data
// added per-binding. Prices are USD per token and are illustrative, not
// contractual — exact current list pricing is not this exercise's concern.

var providerTable = []ProviderInfo{
	{ProviderID: "openai", DisplayName: "OpenAI", BaseURLTmpl: "https://api.openai.com/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_OPENAI_API_KEY", NativeStreamSSE: true},
	{ProviderID: "anthropic", DisplayName: "Anthropic", BaseURLTmpl: "https://api.anthropic.com/v1", AuthScheme: AuthAPIKeyHeader, EnvKeyVar: "LLM_ANTHROPIC_API_KEY", NativeStreamSSE: true},
	{ProviderID: "gemini", DisplayName: "Google Gemini", BaseURLTmpl: "https://generativelanguage.googleapis.com", AuthScheme: AuthAPIKeyHeader, EnvKeyVar: "LLM_GEMINI_API_KEY", NativeStreamSSE: true},
	{ProviderID: "mistral", DisplayName: "Mistral", BaseURLTmpl: "https://api.mistral.ai/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_MISTRAL_API_KEY", NativeStreamSSE: true},
	{ProviderID: "bedrock", DisplayName: "AWS Bedrock", BaseURLTmpl: "https://bedrock-runtime.{region}.amazonaws.com", AuthScheme: AuthSignedAWS, EnvKeyVar: "LLM_BEDROCK_API_KEY", NativeStreamSSE: false},
	{ProviderID: "azure", DisplayName: "Azure OpenAI", BaseURLTmpl: "https://{resource}.openai.azure.com", AuthScheme: AuthAPIKeyHeader, EnvKeyVar: "LLM_AZURE_API_KEY", NativeStreamSSE: false},
	{ProviderID: "xai", DisplayName: "xAI", BaseURLTmpl: "https://api.x.ai/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_XAI_API_KEY", NativeStreamSSE: true},
	{ProviderID: "groq", DisplayName: "Groq", BaseURLTmpl: "https://api.groq.com/openai/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_GROQ_API_KEY", NativeStreamSSE: true},
	{ProviderID: "together", DisplayName: "Together", BaseURLTmpl: "https://api.together.xyz/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_TOGETHER_API_KEY", NativeStreamSSE: true},
	{ProviderID: "deepseek", DisplayName: "DeepSeek", BaseURLTmpl: "https://api.deepseek.com/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_DEEPSEEK_API_KEY", NativeStreamSSE: true},
	{ProviderID: "inference", DisplayName: "Inference.net", BaseURLTmpl: "https://api.inference.net/v1", AuthScheme: AuthBearer, EnvKeyVar: "LLM_INFERENCE_API_KEY", NativeStreamSSE: true},
}

var modelTable = []ModelEntry{
	{
		ID: "gpt-4o", Display: "GPT-4o", Family: "gpt-4o",
		Bindings: []ProviderBinding{
			{
				ProviderID: "openai", ProviderModelName: "gpt-4o",
				InputPricePerToken: 0.0000025, OutputPricePerToken: 0.00001,
				ContextWindow: 128000, MaxOutput: 16384,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, ParallelToolCalls: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
			{
				ProviderID: "azure", ProviderModelName: "azure-gpt-4o",
				InputPricePerToken: 0.0000025, OutputPricePerToken: 0.00001,
				ContextWindow: 128000, MaxOutput: 16384,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "gpt-4o-mini", Display: "GPT-4o mini", Family: "gpt-4o",
		Bindings: []ProviderBinding{
			{
				ProviderID: "openai", ProviderModelName: "gpt-4o-mini",
				InputPricePerToken: 0.00000015, OutputPricePerToken: 0.0000006,
				ContextWindow: 128000, MaxOutput: 16384,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "claude-3-5-sonnet", Display: "Claude 3.5 Sonnet", Family: "claude-3-5",
		Bindings: []ProviderBinding{
			{
				ProviderID: "anthropic", ProviderModelName: "claude-3-5-sonnet-20241022",
				InputPricePerToken: 0.000003, OutputPricePerToken: 0.000015,
				ContextWindow: 200000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, Reasoning: false},
				Stability:    StabilityStable,
			},
			{
				ProviderID: "bedrock", ProviderModelName: "anthropic.claude-3-5-sonnet-20241022-v2:0",
				InputPricePerToken: 0.000003, OutputPricePerToken: 0.000015,
				ContextWindow: 200000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "claude-3-7-sonnet", Display: "Claude 3.7 Sonnet", Family: "claude-3-7",
		Bindings: []ProviderBinding{
			{
				ProviderID: "anthropic", ProviderModelName: "claude-3-7-sonnet-20250219",
				InputPricePerToken: 0.000003, OutputPricePerToken: 0.000015,
				ContextWindow: 200000, MaxOutput: 64000,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, Reasoning: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "gemini-1.5-pro", Display: "Gemini 1.5 Pro", Family: "gemini-1.5",
		Bindings: []ProviderBinding{
			{
				ProviderID: "gemini", ProviderModelName: "gemini-1.5-pro",
				InputPricePerToken: 0.00000125, OutputPricePerToken: 0.000005,
				ContextWindow: 2000000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "gemini-2.0-flash", Display: "Gemini 2.0 Flash", Family: "gemini-2.0",
		Bindings: []ProviderBinding{
			{
				ProviderID: "gemini", ProviderModelName: "gemini-2.0-flash",
				InputPricePerToken: 0.0000001, OutputPricePerToken: 0.0000004,
				ContextWindow: 1000000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Vision: true, Tools: true},
				Stability:    StabilityBeta,
			},
		},
	},
	{
		ID: "mistral-large", Display: "Mistral Large", Family: "mistral-large",
		Bindings: []ProviderBinding{
			{
				ProviderID: "mistral", ProviderModelName: "mistral-large-latest",
				InputPricePerToken: 0.000002, OutputPricePerToken: 0.000006,
				ContextWindow: 128000, MaxOutput: 4096,
				Capabilities: Capabilities{Streaming: true, Tools: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "llama-3.3-70b", Display: "Llama 3.3 70B", Family: "llama-3.3",
		Bindings: []ProviderBinding{
			{
				ProviderID: "groq", ProviderModelName: "llama-3.3-70b-versatile",
				InputPricePerToken: 0.00000059, OutputPricePerToken: 0.00000079,
				ContextWindow: 128000, MaxOutput: 32768,
				Capabilities: Capabilities{Streaming: true, Tools: true},
				Stability:    StabilityStable,
			},
			{
				ProviderID: "together", ProviderModelName: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
				InputPricePerToken: 0.00000088, OutputPricePerToken: 0.00000088,
				ContextWindow: 128000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Tools: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "deepseek-chat", Display: "DeepSeek Chat", Family: "deepseek",
		Bindings: []ProviderBinding{
			{
				ProviderID: "deepseek", ProviderModelName: "deepseek-chat",
				InputPricePerToken: 0.00000027, OutputPricePerToken: 0.0000011,
				CachedInputPricePerToken: 0.00000007,
				ContextWindow: 64000, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Tools: true, JSONOutput: true},
				Stability:    StabilityStable,
			},
		},
	},
	{
		ID: "grok-2", Display: "Grok 2", Family: "grok",
		Bindings: []ProviderBinding{
			{
				ProviderID: "xai", ProviderModelName: "grok-2-latest",
				InputPricePerToken: 0.000002, OutputPricePerToken: 0.00001,
				ContextWindow: 131072, MaxOutput: 8192,
				Capabilities: Capabilities{Streaming: true, Tools: true},
				Stability:    StabilityBeta,
			},
		},
	},
}

// aliasTable maps user-facing shorthand names to model ids.
var aliasTable = map[string]string{
	"gpt4o":            "gpt-4o",
	"gpt-4o-latest":    "gpt-4o",
	"gpt4o-mini":       "gpt-4o-mini",
	"claude-3.5-sonnet": "claude-3-5-sonnet",
	"claude-sonnet":    "claude-3-5-sonnet",
	"claude-3.7-sonnet": "claude-3-7-sonnet",
	"gemini-pro":       "gemini-1.5-pro",
	"gemini-flash":     "gemini-2.0-flash",
	"mistral-large-latest": "mistral-large",
	"llama3.3":         "llama-3.3-70b",
	"grok":             "grok-2",
}
