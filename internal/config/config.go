// Package config loads rollcall settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EmbedderHTTP   = "http"
	EmbedderWorker = "worker"

	CaptureOpenCV = "opencv"
	CaptureFFmpeg = "ffmpeg"
)

type Config struct {
	Input       string            `yaml:"input"`
	EnrollDir   string            `yaml:"enroll_dir"`
	Ledger      string            `yaml:"ledger"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Detector    DetectorConfig    `yaml:"detector"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         LogConfig         `yaml:"log"`
}

type CaptureConfig struct {
	Backend  string `yaml:"backend"` // opencv or ffmpeg
	Format   string `yaml:"format"`  // ffmpeg -f value for devices, e.g. v4l2
	Headless bool   `yaml:"headless"`
}

type RecognitionConfig struct {
	Threshold    float64       `yaml:"threshold"`
	NthFrame     int           `yaml:"nth_frame"`
	ForgetWindow *int          `yaml:"forget_window"` // nil means default; 0 disables smoothing
	Timeout      time.Duration `yaml:"timeout"`
}

type EmbedderConfig struct {
	Kind    string        `yaml:"kind"` // http or worker
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout"`
}

type DetectorConfig struct {
	Cascade     string  `yaml:"cascade"`
	Scale       float64 `yaml:"scale"`
	MinFaceSize int     `yaml:"min_face_size"`
}

// DatabaseConfig is optional. An empty URL and host leave Postgres disabled.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Enabled reports whether a database was configured.
func (d DatabaseConfig) Enabled() bool {
	return d.URL != "" || d.Host != ""
}

// ConnString returns the URL, or builds one from the individual fields.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, port, d.Name)
}

// Forget returns the forget window, falling back to def when unset.
func (r RecognitionConfig) Forget(def int) int {
	if r.ForgetWindow == nil {
		return def
	}
	return *r.ForgetWindow
}

// Load reads .env (if present), then the YAML file at path (if non-empty), then the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ROLLCALL_INPUT", &cfg.Input)
	str("ROLLCALL_ENROLL_DIR", &cfg.EnrollDir)
	str("ROLLCALL_LEDGER", &cfg.Ledger)
	str("ROLLCALL_CAPTURE", &cfg.Capture.Backend)
	str("ROLLCALL_CAPTURE_FORMAT", &cfg.Capture.Format)
	boolean("ROLLCALL_HEADLESS", &cfg.Capture.Headless)
	flt("ROLLCALL_THRESHOLD", &cfg.Recognition.Threshold)
	num("ROLLCALL_NTH_FRAME", &cfg.Recognition.NthFrame)
	if v, ok := os.LookupEnv("ROLLCALL_FORGET_WINDOW"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ROLLCALL_FORGET_WINDOW: %w", err))
		} else {
			cfg.Recognition.ForgetWindow = &n
		}
	}
	dur("ROLLCALL_RECOGNITION_TIMEOUT", &cfg.Recognition.Timeout)
	str("ROLLCALL_EMBEDDER", &cfg.Embedder.Kind)
	str("ROLLCALL_EMBED_URL", &cfg.Embedder.URL)
	str("ROLLCALL_EMBED_MODEL", &cfg.Embedder.Model)
	str("ROLLCALL_WORKER_SCRIPT", &cfg.Embedder.Script)
	str("ROLLCALL_CASCADE", &cfg.Detector.Cascade)
	flt("ROLLCALL_DETECT_SCALE", &cfg.Detector.Scale)
	str("ROLLCALL_LOG_LEVEL", &cfg.Log.Level)
	str("ROLLCALL_LOG_FILE", &cfg.Log.File)

	str("DATABASE_URL", &cfg.Database.URL)
	str("POSTGRES_HOST", &cfg.Database.Host)
	num("POSTGRES_PORT", &cfg.Database.Port)
	str("POSTGRES_USER", &cfg.Database.User)
	str("POSTGRES_PASSWORD", &cfg.Database.Password)
	str("POSTGRES_DB", &cfg.Database.Name)

	boolean("MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	num("MQTT_PORT", &cfg.MQTT.Port)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_TOPIC", &cfg.MQTT.Topic)

	return errors.Join(errs...)
}

// setDefaults fills zero values only.
func setDefaults(cfg *Config) {
	if cfg.Input == "" {
		cfg.Input = "0"
	}
	if cfg.EnrollDir == "" {
		cfg.EnrollDir = "facerec"
	}
	if cfg.Ledger == "" {
		cfg.Ledger = "Attendance.csv"
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = CaptureOpenCV
	}
	if cfg.Recognition.Threshold == 0 {
		cfg.Recognition.Threshold = 0.6
	}
	if cfg.Recognition.NthFrame == 0 {
		cfg.Recognition.NthFrame = 10
	}
	if cfg.Recognition.Timeout == 0 {
		cfg.Recognition.Timeout = 5 * time.Second
	}
	if cfg.Embedder.Kind == "" {
		cfg.Embedder.Kind = EmbedderHTTP
	}
	if cfg.Embedder.URL == "" {
		cfg.Embedder.URL = "http://localhost:8000"
	}
	if cfg.Embedder.Model == "" {
		cfg.Embedder.Model = "facenet"
	}
	if cfg.Embedder.Script == "" {
		cfg.Embedder.Script = "python/worker.py"
	}
	if cfg.Embedder.Timeout == 0 {
		cfg.Embedder.Timeout = 30 * time.Second
	}
	if cfg.Detector.Cascade == "" {
		cfg.Detector.Cascade = "haarcascade_frontalface_default.xml"
	}
	if cfg.Detector.Scale == 0 {
		cfg.Detector.Scale = 0.3
	}
	if cfg.Detector.MinFaceSize == 0 {
		cfg.Detector.MinFaceSize = 40
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "rollcall"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "rollcall/attendance"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Recognition.Threshold <= 0 || c.Recognition.Threshold > 2 {
		problems = append(problems, fmt.Sprintf("threshold must be within (0, 2], got %v", c.Recognition.Threshold))
	}
	if c.Recognition.NthFrame < 1 {
		problems = append(problems, fmt.Sprintf("nth-frame must be >= 1, got %d", c.Recognition.NthFrame))
	}
	if c.Recognition.Forget(0) < 0 {
		problems = append(problems, fmt.Sprintf("forget window must be >= 0, got %d", *c.Recognition.ForgetWindow))
	}
	if c.Recognition.Timeout <= 0 {
		problems = append(problems, "recognition timeout must be positive")
	}
	switch c.Embedder.Kind {
	case EmbedderHTTP, EmbedderWorker:
	default:
		problems = append(problems, fmt.Sprintf("unknown embedder %q (want %s or %s)", c.Embedder.Kind, EmbedderHTTP, EmbedderWorker))
	}
	switch c.Capture.Backend {
	case CaptureOpenCV, CaptureFFmpeg:
	default:
		problems = append(problems, fmt.Sprintf("unknown capture backend %q (want %s or %s)", c.Capture.Backend, CaptureOpenCV, CaptureFFmpeg))
	}
	if c.Detector.Scale <= 0 || c.Detector.Scale > 1 {
		problems = append(problems, fmt.Sprintf("detector scale must be within (0, 1], got %v", c.Detector.Scale))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, "mqtt is enabled but no broker is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
