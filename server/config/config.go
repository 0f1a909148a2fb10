package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Detection DetectionConfig `json:"detection"`
	Inference InferenceConfig `json:"inference"`
	Capture   CaptureConfig   `json:"capture"`
	Alert     AlertConfig     `json:"alert"`
	Stream    StreamConfig    `json:"stream"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
	StaticDir    string        `json:"static_dir"`
}

type DetectionConfig struct {
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MinSizePixels       float64       `json:"min_size_pixels"`
	NMSIoUThreshold     float64       `json:"nms_iou_threshold"`
	ModelInputSide      float64       `json:"model_input_side"`
	CaptureCooldown     time.Duration `json:"capture_cooldown"`
}

type InferenceConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	CacheSize           int           `json:"cache_size"`
	CacheTTL            time.Duration `json:"cache_ttl"`
}

type CaptureConfig struct {
	Dir           string `json:"dir"`
	HistoryCap    int    `json:"history_cap"`
	JPEGQuality   int    `json:"jpeg_quality"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RemoveEvicted bool   `json:"remove_evicted"`
}

type AlertConfig struct {
	SoundPath string        `json:"sound_path"`
	ToneDir   string        `json:"tone_dir"`
	Display   time.Duration `json:"display"`
}

type StreamConfig struct {
	FrameInterval time.Duration `json:"frame_interval"`
	HistoryWindow time.Duration `json:"history_window"`
	HistoryCap    int           `json:"history_cap"`
	ConfidenceCap int           `json:"confidence_cap"`
	MaxFrameBytes int64         `json:"max_frame_bytes"`
	MaxStreams    int           `json:"max_streams"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
}

// LoadConfig reads the environment, after loading a .env file from the
// working directory when one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
			StaticDir:    getEnv("STATIC_DIR", "./client"),
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.6),
			MinSizePixels:       getEnvAsFloat("MIN_SIZE_PIXELS", 70),
			NMSIoUThreshold:     getEnvAsFloat("NMS_IOU_THRESHOLD", 0.5),
			ModelInputSide:      getEnvAsFloat("MODEL_INPUT_SIDE", 640),
			CaptureCooldown:     getEnvAsDuration("CAPTURE_COOLDOWN", 2*time.Second),
		},
		Inference: InferenceConfig{
			BaseURL:             getEnv("INFERENCE_BASE_URL", ""),
			Timeout:             getEnvAsDuration("INFERENCE_TIMEOUT", 5*time.Second),
			MaxRetries:          getEnvAsInt("INFERENCE_MAX_RETRIES", 2),
			RetryDelay:          getEnvAsDuration("INFERENCE_RETRY_DELAY", 100*time.Millisecond),
			HealthCheckInterval: getEnvAsDuration("INFERENCE_HEALTH_CHECK_INTERVAL", 30*time.Second),
			CacheSize:           getEnvAsInt("INFERENCE_CACHE_SIZE", 256),
			CacheTTL:            getEnvAsDuration("INFERENCE_CACHE_TTL", 2*time.Second),
		},
		Capture: CaptureConfig{
			Dir:           getEnv("CAPTURE_DIR", "./captures"),
			HistoryCap:    getEnvAsInt("CAPTURE_HISTORY_CAP", 20),
			JPEGQuality:   getEnvAsInt("CAPTURE_JPEG_QUALITY", 95),
			Workers:       getEnvAsInt("CAPTURE_WORKERS", 2),
			QueueSize:     getEnvAsInt("CAPTURE_QUEUE_SIZE", 32),
			RemoveEvicted: getEnvAsBool("CAPTURE_REMOVE_EVICTED", true),
		},
		Alert: AlertConfig{
			SoundPath: getEnv("ALERT_SOUND_PATH", "./assets/alert.wav"),
			ToneDir:   getEnv("ALERT_TONE_DIR", os.TempDir()),
			Display:   getEnvAsDuration("ALERT_DISPLAY", 2500*time.Millisecond),
		},
		Stream: StreamConfig{
			FrameInterval: getEnvAsDuration("FRAME_INTERVAL", 33*time.Millisecond),
			HistoryWindow: getEnvAsDuration("HISTORY_WINDOW", 10*time.Minute),
			HistoryCap:    getEnvAsInt("HISTORY_CAP", 20000),
			ConfidenceCap: getEnvAsInt("CONFIDENCE_SAMPLES_CAP", 100),
			MaxFrameBytes: getEnvAsInt64("MAX_FRAME_BYTES", 10*1024*1024),
			MaxStreams:    getEnvAsInt("MAX_STREAMS", 64),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 28),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var err error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server port must be between 1 and 65535"))
	}

	err = multierr.Append(err, c.Processor().Validate())

	if c.Capture.HistoryCap < 1 {
		err = multierr.Append(err, fmt.Errorf("capture history cap must be positive"))
	}

	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		err = multierr.Append(err, fmt.Errorf("capture jpeg quality must be between 1 and 100"))
	}

	if c.Capture.Workers < 1 || c.Capture.QueueSize < 1 {
		err = multierr.Append(err, fmt.Errorf("capture workers and queue size must be positive"))
	}

	if c.Stream.FrameInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("frame interval must be positive"))
	}

	if c.Security.MaxRequestSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("max request size must be positive"))
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		err = multierr.Append(err, fmt.Errorf("https requires cert and key files"))
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	if c.Inference.BaseURL == "" {
		logger.Info("No inference service configured, frames must carry output tensors")
	}

	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Processor returns the pipeline configuration.
func (c *Config) Processor() processor.Config {
	return processor.Config{
		ConfidenceThreshold: c.Detection.ConfidenceThreshold,
		MinSizePixels:       c.Detection.MinSizePixels,
		IoUThreshold:        c.Detection.NMSIoUThreshold,
		ModelSide:           c.Detection.ModelInputSide,
		CaptureCooldown:     c.Detection.CaptureCooldown,
	}
}

// Session returns the bounds of the per-stream history.
func (c *Config) Session() session.Options {
	return session.Options{
		CaptureCap:    c.Capture.HistoryCap,
		ConfidenceCap: c.Stream.ConfidenceCap,
		HistoryCap:    c.Stream.HistoryCap,
		HistoryWindow: c.Stream.HistoryWindow,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
