package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Env             string
	Port            string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	JWTSecret       string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
	PushTTL         int
	WebhookSecret   string
	StaticDir       string
	WorkerVersion   string
}

type Agent struct {
	Env                    string
	APIURL                 string
	APIToken               string
	AppOrigin              string
	PushAddr               string
	PushURL                string
	NotificationPermission string
	PrefsPath              string
	SoundCommand           string
	NotifyCommand          string
	BrowserCommand         string
	ReconnectDelay         time.Duration
	ActivationTimeout      time.Duration
}

// LoadDotenv reads a .env file when one exists. A missing file is not an error.
func LoadDotenv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

func LoadServer() (Server, error) {
	c := Server{
		Env:             getenv("APP_ENV", "production"),
		Port:            getenv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getint("REDIS_DB", 0),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getenv("VAPID_SUBSCRIBER", "admin@example.com"),
		PushTTL:         getint("PUSH_TTL", 30),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		StaticDir:       getenv("STATIC_DIR", "web/static"),
		WorkerVersion:   getenv("WORKER_VERSION", "1"),
	}
	if c.DatabaseURL == "" {
		return c, errors.New("DATABASE_URL environment variable is required")
	}
	if c.JWTSecret == "" {
		return c, errors.New("JWT_SECRET environment variable is required")
	}
	return c, nil
}

func LoadAgent() (Agent, error) {
	c := Agent{
		Env:                    getenv("APP_ENV", "production"),
		APIURL:                 getenv("API_URL", "http://localhost:8000/api"),
		APIToken:               os.Getenv("API_TOKEN"),
		AppOrigin:              getenv("APP_ORIGIN", "http://localhost:8000"),
		PushAddr:               getenv("AGENT_PUSH_ADDR", ":8090"),
		PushURL:                getenv("AGENT_PUSH_URL", "http://localhost:8090"),
		NotificationPermission: getenv("NOTIFICATION_PERMISSION", "prompt"),
		PrefsPath:              getenv("PREFS_PATH", "kanban-agent.yaml"),
		SoundCommand:           os.Getenv("SOUND_COMMAND"),
		NotifyCommand:          os.Getenv("NOTIFY_COMMAND"),
		BrowserCommand:         os.Getenv("BROWSER_COMMAND"),
		ReconnectDelay:         getduration("RECONNECT_DELAY", 3*time.Second),
		ActivationTimeout:      getduration("ACTIVATION_TIMEOUT", 5*time.Second),
	}
	if c.APIToken == "" {
		return c, errors.New("API_TOKEN environment variable is required")
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
