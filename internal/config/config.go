package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderGemini = "gemini"
	ProviderGroq   = "groq"
)

type Config struct {
	HTTPPort    string
	LogLevel    string
	LogPretty   bool
	DatabaseURL string

	Auth      AuthConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Inference InferenceConfig
	Storage   StorageConfig
	Upload    UploadConfig
	WebSocket WebSocketConfig
}

type AuthConfig struct {
	JWTSecret string
	Timeout   time.Duration
}

type LLMConfig struct {
	Provider     string
	GeminiAPIKey string
	GroqAPIKey   string
	GroqBaseURL  string
	Model        string
	Temperature  float32
	Timeout      time.Duration
}

// ChatConfig holds the conversation and memory knobs shared by the context
// builder, the summarizer and thread binding.
type ChatConfig struct {
	AlwaysNewThread    bool
	HistoryMaxChars    int
	HistoryK           int
	MemoryEnabled      bool
	MemoryRefreshEvery int
	MemFactsLimit      int
}

type InferenceConfig struct {
	URL        string
	LabelsPath string
	ImageSize  int
	Timeout    time.Duration
}

type StorageConfig struct {
	Backend   string // local, s3 or none
	LocalPath string
	S3        S3Config
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type UploadConfig struct {
	MaxBytes int64
	RPS      float64
	Burst    int
}

type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("database_url", "plantly.db")

	v.SetDefault("auth_timeout", "10s")

	v.SetDefault("llm_provider", ProviderGemini)
	v.SetDefault("groq_base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm_temperature", 0.4)
	v.SetDefault("llm_timeout", "40s")

	v.SetDefault("always_new_thread_on_init", false)
	v.SetDefault("history_max_chars", 8000)
	v.SetDefault("history_k", 20)
	v.SetDefault("memory_enabled", true)
	v.SetDefault("memory_refresh_every", 3)
	v.SetDefault("mem_facts_limit", 8)

	v.SetDefault("inference_url", "http://localhost:8501/v1/models/plant_disease:predict")
	v.SetDefault("inference_labels_path", "ml/classes/classes.json")
	v.SetDefault("inference_image_size", 256)
	v.SetDefault("inference_timeout", "30s")

	v.SetDefault("storage_backend", "local")
	v.SetDefault("storage_local_path", "data/uploads")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_use_path_style", false)

	v.SetDefault("upload_max_bytes", 10<<20)
	v.SetDefault("upload_rps", 1.0)
	v.SetDefault("upload_burst", 5)

	v.SetDefault("ws_ping_interval", "30s")
	v.SetDefault("ws_pong_wait", "60s")
	v.SetDefault("ws_write_wait", "10s")
	v.SetDefault("ws_max_message_size", 64<<10)
	v.SetDefault("ws_send_buffer", 64)
}

// Load reads .env (if present) and the process environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	provider := strings.ToLower(strings.TrimSpace(v.GetString("llm_provider")))
	model := v.GetString("llm_model")
	if model == "" {
		model = defaultModel(provider)
	}

	return &Config{
		HTTPPort:    v.GetString("http_port"),
		LogLevel:    v.GetString("log_level"),
		LogPretty:   v.GetBool("log_pretty"),
		DatabaseURL: v.GetString("database_url"),
		Auth: AuthConfig{
			JWTSecret: v.GetString("jwt_secret"),
			Timeout:   parseDuration(v, "auth_timeout", 10*time.Second),
		},
		LLM: LLMConfig{
			Provider:     provider,
			GeminiAPIKey: v.GetString("gemini_api_key"),
			GroqAPIKey:   v.GetString("groq_api_key"),
			GroqBaseURL:  v.GetString("groq_base_url"),
			Model:        model,
			Temperature:  float32(v.GetFloat64("llm_temperature")),
			Timeout:      parseDuration(v, "llm_timeout", 40*time.Second),
		},
		Chat: ChatConfig{
			AlwaysNewThread:    v.GetBool("always_new_thread_on_init"),
			HistoryMaxChars:    v.GetInt("history_max_chars"),
			HistoryK:           v.GetInt("history_k"),
			MemoryEnabled:      v.GetBool("memory_enabled"),
			MemoryRefreshEvery: v.GetInt("memory_refresh_every"),
			MemFactsLimit:      v.GetInt("mem_facts_limit"),
		},
		Inference: InferenceConfig{
			URL:        v.GetString("inference_url"),
			LabelsPath: v.GetString("inference_labels_path"),
			ImageSize:  v.GetInt("inference_image_size"),
			Timeout:    parseDuration(v, "inference_timeout", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(v.GetString("storage_backend")),
			LocalPath: v.GetString("storage_local_path"),
			S3: S3Config{
				Endpoint:        v.GetString("s3_endpoint"),
				Region:          v.GetString("s3_region"),
				Bucket:          v.GetString("s3_bucket"),
				AccessKeyID:     v.GetString("s3_access_key_id"),
				SecretAccessKey: v.GetString("s3_secret_access_key"),
				UsePathStyle:    v.GetBool("s3_use_path_style"),
			},
		},
		Upload: UploadConfig{
			MaxBytes: v.GetInt64("upload_max_bytes"),
			RPS:      v.GetFloat64("upload_rps"),
			Burst:    v.GetInt("upload_burst"),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   parseDuration(v, "ws_ping_interval", 30*time.Second),
			PongWait:       parseDuration(v, "ws_pong_wait", 60*time.Second),
			WriteWait:      parseDuration(v, "ws_write_wait", 10*time.Second),
			MaxMessageSize: v.GetInt64("ws_max_message_size"),
			SendBuffer:     v.GetInt("ws_send_buffer"),
		},
	}
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.LLM.Provider {
	case ProviderGemini:
		if c.LLM.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required for provider %q", c.LLM.Provider)
		}
	case ProviderGroq:
		if c.LLM.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY environment variable is required for provider %q", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Storage.Backend {
	case "local", "none":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Chat.MemoryRefreshEvery <= 0 {
		c.Chat.MemoryRefreshEvery = 1
	}
	if c.Chat.HistoryK <= 0 {
		c.Chat.HistoryK = 20
	}
	return nil
}

func defaultModel(provider string) string {
	if provider == ProviderGroq {
		return "openai/gpt-oss-20b"
	}
	return "gemini-1.5-flash-latest"
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
