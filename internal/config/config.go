package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	WebhookBaseURL string
	LogLevel       string
	LogFormat      string

	// Sarvam speech backends
	SarvamAPIKey        string
	SarvamAPIHost       string
	TranscriberModel    string
	TranscriberLanguage string
	SynthesizerModel    string
	SynthesizerVoice    string
	SynthesizerLanguage string
	SynthesizerSpeed    float64
	SynthesizerPitch    float64
	SynthesizerLoudness float64
	SynthesizerBuffer   int

	// Azure OpenAI
	AzureOpenAIKey        string
	AzureOpenAIEndpoint   string
	AzureOpenAIVersion    string
	AzureOpenAIDeployment string

	// Twilio
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Supabase document storage
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	// Agent behavior
	MaxQuestions          int
	InterruptionMinLength int
	IdleTimeout           time.Duration
	CallResultWebhookURL  string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float env var, using default")
	}
	return def
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:    getenv("HTTP_ADDRESS", ":8000"),
		WebhookBaseURL: getenv("WEBHOOK_BASE_URL", "localhost:8000"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "json"),

		SarvamAPIKey:        os.Getenv("SARVAM_API_KEY"),
		SarvamAPIHost:       getenv("SARVAM_API_HOST", "api.sarvam.ai"),
		TranscriberModel:    getenv("TRANSCRIBER_MODEL", "saarika:v2.5"),
		TranscriberLanguage: getenv("TRANSCRIBER_LANGUAGE", "en-IN"),
		SynthesizerModel:    getenv("SYNTHESIZER_MODEL", "bulbul:v2"),
		SynthesizerVoice:    getenv("SYNTHESIZER_VOICE", "manisha"),
		SynthesizerLanguage: getenv("SYNTHESIZER_LANGUAGE", "en-IN"),
		SynthesizerSpeed:    getenvFloat("SYNTHESIZER_SPEED", 0.8),
		SynthesizerPitch:    getenvFloat("SYNTHESIZER_PITCH", 0),
		SynthesizerLoudness: getenvFloat("SYNTHESIZER_LOUDNESS", 1.0),
		SynthesizerBuffer:   getenvInt("SYNTHESIZER_BUFFER_SIZE", 100),

		AzureOpenAIKey:        os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIVersion:    getenv("AZURE_OPENAI_VERSION", "2024-02-01"),
		AzureOpenAIDeployment: getenv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4"),

		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getenv("SUPABASE_BUCKET", "documents"),

		MaxQuestions:          getenvInt("MAX_QUESTIONS", 15),
		InterruptionMinLength: getenvInt("INTERRUPTION_MIN_LENGTH", 3),
		IdleTimeout:           time.Duration(getenvInt("IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
		CallResultWebhookURL:  getenv("CALL_RESULT_WEBHOOK_URL", ""),
	}

	if cfg.SarvamAPIKey == "" {
		log.Warn().Msg("SARVAM_API_KEY not set - transcription and synthesis will not work")
	}
	if cfg.AzureOpenAIKey == "" {
		log.Warn().Msg("AZURE_OPENAI_API_KEY not set - response generation will not work")
	}
	if cfg.TwilioAuthToken == "" {
		log.Warn().Msg("TWILIO_AUTH_TOKEN not set - call control will not work")
	}

	return cfg
}

// Validate reports the required keys that are missing. Run at startup so a
// misconfigured deployment fails fast instead of on the first call.
func (c Config) Validate() error {
	required := []struct{ key, val string }{
		{"SARVAM_API_KEY", c.SarvamAPIKey},
		{"AZURE_OPENAI_API_KEY", c.AzureOpenAIKey},
		{"AZURE_OPENAI_ENDPOINT", c.AzureOpenAIEndpoint},
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", c.TwilioPhoneNumber},
	}
	var missing []string
	for _, r := range required {
		if r.val == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
