// Package config loads service settings from an optional YAML file, a .env
// file and XMLSENDER_ prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/spf13/viper"

	"github.com/rezonia/xml-sender/internal/dispatcher"
	"github.com/rezonia/xml-sender/internal/parser/ubl"
	"github.com/rezonia/xml-sender/internal/storage"
)

// EnvPrefix is prepended to every environment variable, e.g. XMLSENDER_SERVER_ADDRESS
const EnvPrefix = "XMLSENDER"

// Storage and blob drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
	DriverS3       = "s3"
)

// Config is the complete service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sunat    SunatConfig    `mapstructure:"sunat"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Blob     BlobConfig     `mapstructure:"blob"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
	Debug         bool          `mapstructure:"debug"`
}

// SunatConfig holds the default identity and the delivery endpoints
type SunatConfig struct {
	Username string    `mapstructure:"username"`
	Password string    `mapstructure:"password"`
	URLs     SunatURLs `mapstructure:"urls"`
}

type SunatURLs struct {
	Invoice             string `mapstructure:"invoice"`
	PerceptionRetention string `mapstructure:"perception_retention"`
}

type DeliveryConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	DynamoDBTable string `mapstructure:"dynamodb_table"`
}

type BlobConfig struct {
	Driver      string `mapstructure:"driver"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the settings used when nothing is configured: in-memory
// storage, the SUNAT beta endpoints and no default identity.
func Default() *Config {
	d := dispatcher.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  5 * time.Minute,
			MaxUploadSize: 10 << 20,
		},
		Sunat: SunatConfig{
			URLs: SunatURLs{
				Invoice:             ubl.DefaultInvoiceURL,
				PerceptionRetention: ubl.DefaultPerceptionRetentionURL,
			},
		},
		Delivery: DeliveryConfig{
			Workers:        d.Workers,
			MaxAttempts:    d.MaxAttempts,
			InitialDelay:   d.InitialDelay,
			MaxDelay:       d.MaxDelay,
			RequestTimeout: d.RequestTimeout,
			PollInterval:   d.PollInterval,
			PollTimeout:    d.PollTimeout,
			SweepInterval:  d.SweepInterval,
			QueueSize:      d.QueueSize,
		},
		Storage: StorageConfig{
			Driver:        DriverMemory,
			SQLitePath:    "xml-sender.db",
			DynamoDBTable: storage.DefaultDynamoDBTable,
		},
		Blob: BlobConfig{
			Driver: DriverMemory,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads configFile (optional, YAML) and the given dotenv files, then
// applies environment overrides. With no dotenv files, ./.env is read when it
// exists.
func Load(configFile string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "reading config file %s", configFile)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Annotate(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Annotate(err, "loading dotenv")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_upload_size", d.Server.MaxUploadSize)
	v.SetDefault("server.debug", d.Server.Debug)

	v.SetDefault("sunat.username", d.Sunat.Username)
	v.SetDefault("sunat.password", d.Sunat.Password)
	v.SetDefault("sunat.urls.invoice", d.Sunat.URLs.Invoice)
	v.SetDefault("sunat.urls.perception_retention", d.Sunat.URLs.PerceptionRetention)

	v.SetDefault("delivery.workers", d.Delivery.Workers)
	v.SetDefault("delivery.max_attempts", d.Delivery.MaxAttempts)
	v.SetDefault("delivery.initial_delay", d.Delivery.InitialDelay)
	v.SetDefault("delivery.max_delay", d.Delivery.MaxDelay)
	v.SetDefault("delivery.request_timeout", d.Delivery.RequestTimeout)
	v.SetDefault("delivery.poll_interval", d.Delivery.PollInterval)
	v.SetDefault("delivery.poll_timeout", d.Delivery.PollTimeout)
	v.SetDefault("delivery.sweep_interval", d.Delivery.SweepInterval)
	v.SetDefault("delivery.queue_size", d.Delivery.QueueSize)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.dynamodb_table", d.Storage.DynamoDBTable)

	v.SetDefault("blob.driver", d.Blob.Driver)
	v.SetDefault("blob.s3_bucket", d.Blob.S3Bucket)
	v.SetDefault("blob.s3_prefix", d.Blob.S3Prefix)
	v.SetDefault("blob.s3_path_style", d.Blob.S3PathStyle)

	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.endpoint", d.AWS.Endpoint)
	v.SetDefault("aws.access_key_id", d.AWS.AccessKeyID)
	v.SetDefault("aws.secret_access_key", d.AWS.SecretAccessKey)

	v.SetDefault("log.level", d.Log.Level)
}

// Validate rejects unknown drivers and settings a driver cannot run without
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverDynamoDB:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.NotValidf("empty storage.sqlite_path with the sqlite driver")
		}
	default:
		return errors.NotValidf("storage.driver %q", c.Storage.Driver)
	}

	switch c.Blob.Driver {
	case DriverMemory:
	case DriverS3:
		if c.Blob.S3Bucket == "" {
			return errors.NotValidf("empty blob.s3_bucket with the s3 driver")
		}
	default:
		return errors.NotValidf("blob.driver %q", c.Blob.Driver)
	}

	if c.Delivery.Workers < 0 || c.Delivery.MaxAttempts < 0 {
		return errors.NotValidf("negative delivery.workers or delivery.max_attempts")
	}
	return nil
}

// Dispatcher converts the delivery settings
func (c *Config) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		Workers:        c.Delivery.Workers,
		MaxAttempts:    c.Delivery.MaxAttempts,
		InitialDelay:   c.Delivery.InitialDelay,
		MaxDelay:       c.Delivery.MaxDelay,
		RequestTimeout: c.Delivery.RequestTimeout,
		PollInterval:   c.Delivery.PollInterval,
		PollTimeout:    c.Delivery.PollTimeout,
		SweepInterval:  c.Delivery.SweepInterval,
		QueueSize:      c.Delivery.QueueSize,
	}
}

// Endpoints converts the delivery URLs
func (c *Config) Endpoints() ubl.Endpoints {
	return ubl.Endpoints{
		Invoice:             c.Sunat.URLs.Invoice,
		PerceptionRetention: c.Sunat.URLs.PerceptionRetention,
	}
}

// AWSSettings converts the shared AWS connection settings
func (c *Config) AWSSettings() storage.AWSConfig {
	return storage.AWSConfig{
		Region:          c.AWS.Region,
		Endpoint:        c.AWS.Endpoint,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
	}
}
