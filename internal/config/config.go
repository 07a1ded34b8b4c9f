package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	LogLevel       string
	AllowedOrigins []string
	IdentitySecret string

	AssemblyAIKey   string
	CerebrasKey     string
	CerebrasModelID string

	VoiceProvider     string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	StoreBackend           string
	DatabaseURL            string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	QuestionsFile      string
	DefaultInterviewID string

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	SessionFinishGrace   time.Duration
	STTKeepalive         time.Duration
	InterruptThreshold   time.Duration
	AudioFinishGrace     time.Duration
	AnalysisTimeout      time.Duration
	ReconnectAttempts    int
	ReviewRequired       bool
}

var defaults = map[string]any{
	"HTTP_ADDRESS":              ":8080",
	"LOG_LEVEL":                 "info",
	"ALLOWED_ORIGINS":           "",
	"IDENTITY_SECRET":           "",
	"ASSEMBLYAI_API_KEY":        "",
	"CEREBRAS_API_KEY":          "",
	"CEREBRAS_MODEL_ID":         "gpt-oss-120b",
	"VOICE_PROVIDER":            "deepgram",
	"DEEPGRAM_API_KEY":          "",
	"DEEPGRAM_MODEL":            "aura-2-thalia-en",
	"ELEVENLABS_API_KEY":        "",
	"ELEVENLABS_VOICE_ID":       "",
	"STORE_BACKEND":             "memory",
	"DATABASE_URL":              "",
	"SUPABASE_URL":              "",
	"SUPABASE_SERVICE_ROLE_KEY": "",
	"SUPABASE_BUCKET":           "interviews",
	"QUESTIONS_FILE":            "config/questions.yaml",
	"DEFAULT_INTERVIEW_ID":      "",
	"SESSION_IDLE_TIMEOUT":      "30m",
	"SESSION_SWEEP_INTERVAL":    "5m",
	"SESSION_FINISH_GRACE":      "8s",
	"STT_KEEPALIVE_INTERVAL":    "5s",
	"INTERRUPT_THRESHOLD":       "500ms",
	"AUDIO_FINISH_GRACE":        "500ms",
	"ANALYSIS_TIMEOUT":          "20s",
	"RECONNECT_ATTEMPTS":        3,
	"REVIEW_REQUIRED":           true,
}

// New returns a viper instance reading the environment, after loading .env
// if one exists. Flags may be bound to the same keys.
func New(log *logrus.Logger) *viper.Viper {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded")
	}
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// Load reads Config from v and warns about collaborators that will not work.
func Load(v *viper.Viper, log *logrus.Logger) Config {
	cfg := Config{
		HTTPAddress:            v.GetString("HTTP_ADDRESS"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		AllowedOrigins:         splitList(v.GetString("ALLOWED_ORIGINS")),
		IdentitySecret:         v.GetString("IDENTITY_SECRET"),
		AssemblyAIKey:          v.GetString("ASSEMBLYAI_API_KEY"),
		CerebrasKey:            v.GetString("CEREBRAS_API_KEY"),
		CerebrasModelID:        v.GetString("CEREBRAS_MODEL_ID"),
		VoiceProvider:          strings.ToLower(v.GetString("VOICE_PROVIDER")),
		DeepgramKey:            v.GetString("DEEPGRAM_API_KEY"),
		DeepgramModel:          v.GetString("DEEPGRAM_MODEL"),
		ElevenLabsKey:          v.GetString("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      v.GetString("ELEVENLABS_VOICE_ID"),
		StoreBackend:           strings.ToLower(v.GetString("STORE_BACKEND")),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		SupabaseURL:            v.GetString("SUPABASE_URL"),
		SupabaseServiceRoleKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         v.GetString("SUPABASE_BUCKET"),
		QuestionsFile:          v.GetString("QUESTIONS_FILE"),
		DefaultInterviewID:     v.GetString("DEFAULT_INTERVIEW_ID"),
		SessionIdleTimeout:     v.GetDuration("SESSION_IDLE_TIMEOUT"),
		SessionSweepInterval:   v.GetDuration("SESSION_SWEEP_INTERVAL"),
		SessionFinishGrace:     v.GetDuration("SESSION_FINISH_GRACE"),
		STTKeepalive:           v.GetDuration("STT_KEEPALIVE_INTERVAL"),
		InterruptThreshold:     v.GetDuration("INTERRUPT_THRESHOLD"),
		AudioFinishGrace:       v.GetDuration("AUDIO_FINISH_GRACE"),
		AnalysisTimeout:        v.GetDuration("ANALYSIS_TIMEOUT"),
		ReconnectAttempts:      v.GetInt("RECONNECT_ATTEMPTS"),
		ReviewRequired:         v.GetBool("REVIEW_REQUIRED"),
	}

	if cfg.AssemblyAIKey == "" {
		log.Warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Warn("CEREBRAS_API_KEY not set - answers will not be analyzed")
	}
	switch cfg.VoiceProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - voice will not work")
		}
	default:
		if cfg.VoiceProvider != "deepgram" {
			log.Warnf("unknown VOICE_PROVIDER %q, using deepgram", cfg.VoiceProvider)
			cfg.VoiceProvider = "deepgram"
		}
		if cfg.DeepgramKey == "" {
			log.Warn("DEEPGRAM_API_KEY not set - voice will not work")
		}
	}
	log.Infof("config: HTTP_ADDRESS=%s STORE_BACKEND=%s VOICE_PROVIDER=%s", cfg.HTTPAddress, cfg.StoreBackend, cfg.VoiceProvider)
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
