package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env" validate:"required"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type" validate:"oneof=text json"`
	ServiceName        string            `mapstructure:"service_name" validate:"required"`
	Version            string            `mapstructure:"version"`
	ServerSettings     *ServerConfig     `mapstructure:"server" validate:"required"`
	WorkerSettings     *WorkerConfig     `mapstructure:"worker" validate:"required"`
	HttpClientSettings *HttpClientConfig `mapstructure:"http_client" validate:"required"`
	CacheSettings      *CacheConfig      `mapstructure:"cache" validate:"required"`
	NsfwSettings       *NsfwConfig       `mapstructure:"nsfw" validate:"required"`
	FormatSettings     *FormatConfig     `mapstructure:"formats" validate:"required"`
	VideoSettings      *VideoConfig      `mapstructure:"video" validate:"required"`
	DbSettings         *DatabaseConfig   `mapstructure:"database" validate:"required"`
	SQSSettings        *SQSConfig        `mapstructure:"sqs" validate:"required"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka" validate:"required"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry" validate:"required"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// WorkerConfig sizes the pool that runs inference and frame extraction.
// WorkersNum -1 means one worker per CPU.
type WorkerConfig struct {
	WorkersNum      int           `mapstructure:"workers_num" validate:"min=-1,ne=0"`
	QueueSize       int           `mapstructure:"queue_size" validate:"min=0"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout" validate:"min=0"`
	JobTimeout      time.Duration `mapstructure:"job_timeout" validate:"min=0"`
	QueueWorkersNum int           `mapstructure:"queue_workers_num" validate:"min=1"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxBodyBytes              int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	UserAgent                 string        `mapstructure:"user_agent"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

// CacheConfig selects the eviction policy: MaxSize alone is pure LRU, TTL alone
// is time-bounded, both combine. At least one of them has to be set.
type CacheConfig struct {
	MaxSize int           `mapstructure:"max_size" validate:"min=0"`
	TTL     time.Duration `mapstructure:"ttl" validate:"min=0"`
}

type NsfwConfig struct {
	Threshold      float64       `mapstructure:"threshold" validate:"gte=0,lte=1"`
	ModelURL       string        `mapstructure:"model_url" validate:"required,url"`
	OutputIndex    int           `mapstructure:"output_index" validate:"min=0"`
	InputSize      int           `mapstructure:"input_size" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxPixels      int64         `mapstructure:"max_pixels" validate:"gt=0"`
}

type FormatConfig struct {
	Image []string `mapstructure:"image" validate:"dive,required"`
	Video []string `mapstructure:"video" validate:"dive,required"`
}

type VideoConfig struct {
	FfmpegPath     string        `mapstructure:"ffmpeg_path" validate:"required"`
	Fps            string        `mapstructure:"fps" validate:"required"`
	MaxFrames      int           `mapstructure:"max_frames" validate:"gt=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes" validate:"gt=0"`
	TempDir        string        `mapstructure:"temp_dir"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	BufferSize      int           `mapstructure:"buffer_size" validate:"gt=0"`
}

type SQSConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	AwsBaseEndpoint      string `mapstructure:"aws_base_endpoint"`
	Region               string `mapstructure:"region"`
	QueueName            string `mapstructure:"queue_name" validate:"required_if=Enabled true"`
	MaxNumberOfMessages  int32  `mapstructure:"max_number_of_messages"`
	WaitTimeSeconds      int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout    int32  `mapstructure:"visibility_timeout"`
	SendBackDelaySeconds int32  `mapstructure:"send_back_delay_seconds" validate:"min=0,max=900"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer" validate:"required"`
}

type ProducerConfig struct {
	Addr                []string      `mapstructure:"addr"`
	WriteTopicName      string        `mapstructure:"write_topic_name"`
	DeadLetterTopicName string        `mapstructure:"dlq_topic_name"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BatchSize           int           `mapstructure:"batch_size" validate:"gt=0"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RequiredAsks        int           `mapstructure:"required_acks"`
	Async               bool          `mapstructure:"async"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url" validate:"required_if=Enabled true"`
}

// Addr returns the listen address built from server.host and server.port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func MustLoad() *Config {
	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads the config file at configPath, or config.yaml from the working
// directory when configPath is empty. Environment variables override file
// values (NSFW_THRESHOLD overrides nsfw.threshold).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(path.Join("."))
		v.SetConfigName("config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "nsfw-gate")
	v.SetDefault("version", "dev")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("worker.workers_num", -1)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.queue_timeout", 5*time.Second)
	v.SetDefault("worker.job_timeout", 60*time.Second)
	v.SetDefault("worker.queue_workers_num", 4)

	v.SetDefault("http_client.request_timeout", 10*time.Second)
	v.SetDefault("http_client.max_body_bytes", 50<<20)
	v.SetDefault("http_client.user_agent", "nsfw-gate/1.0")
	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.max_connections_per_host", 0)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 5*time.Second)
	v.SetDefault("http_client.dial_timeout", 5*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)
	v.SetDefault("http_client.tls_insecure_skip_verify", false)

	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.ttl", 0)

	v.SetDefault("nsfw.threshold", 0.8)
	v.SetDefault("nsfw.model_url", "http://127.0.0.1:8501/predict")
	v.SetDefault("nsfw.output_index", 1)
	v.SetDefault("nsfw.input_size", 256)
	v.SetDefault("nsfw.request_timeout", 15*time.Second)
	v.SetDefault("nsfw.max_pixels", 50_000_000)

	v.SetDefault("formats.image", []string{"image/png", "image/jpeg"})
	v.SetDefault("formats.video", []string{"video/webm", "video/mp4", "image/gif"})

	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.fps", "1")
	v.SetDefault("video.max_frames", 4)
	v.SetDefault("video.timeout", 30*time.Second)
	v.SetDefault("video.max_output_bytes", 32<<20)
	v.SetDefault("video.temp_dir", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.buffer_size", 256)

	v.SetDefault("sqs.enabled", false)
	v.SetDefault("sqs.region", "us-east-1")
	v.SetDefault("sqs.max_number_of_messages", 10)
	v.SetDefault("sqs.wait_time_seconds", 20)
	v.SetDefault("sqs.visibility_timeout", 60)
	v.SetDefault("sqs.send_back_delay_seconds", 5)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.producer.async", false)

	v.SetDefault("telemetry.enabled", false)
}

func validate(cfg *Config) error {
	enLoc := en.New()
	trans, _ := ut.New(enLoc, enLoc).GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	if err := enTranslations.RegisterDefaultTranslations(v, trans); err != nil {
		return fmt.Errorf("register validator translations: %w", err)
	}

	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Translate(trans)))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if cfg.CacheSettings.MaxSize == 0 && cfg.CacheSettings.TTL == 0 {
		return errors.New("invalid config: cache.max_size or cache.ttl must be set")
	}
	if len(cfg.FormatSettings.Image)+len(cfg.FormatSettings.Video) == 0 {
		return errors.New("invalid config: formats allow-list is empty")
	}

	return nil
}
