package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linkcutter/linkcut/internal/codec"
)

const (
	EnvDev   = "dev"
	EnvStage = "stage"
	EnvProd  = "prod"
)

type Config struct {
	Env        string `yaml:"env"`
	ShortCode  `yaml:"short_code"`
	Registry   `yaml:"registry"`
	HTTPServer `yaml:"http_server"`
	Postgres   `yaml:"postgres"`
}

// ShortCode configures the code space and the per-instance pool.
type ShortCode struct {
	// Length is the fixed length of every issued code.
	Length int `yaml:"length"`
	// Alphabet is the code character set. The address space is
	// len(Alphabet)^Length.
	Alphabet string `yaml:"alphabet"`
	// PoolSize is the target number of pre-generated codes held in memory.
	PoolSize int `yaml:"pool_size"`
	// BatchSize is the number of identifiers reserved per ledger request.
	BatchSize int64 `yaml:"batch_size"`
	// RefillThreshold triggers an asynchronous refill when the pool drops
	// to this fraction of PoolSize.
	RefillThreshold float64 `yaml:"refill_threshold"`
}

var defaultShortCode = ShortCode{
	Length:          7,
	Alphabet:        codec.Base62Alphabet,
	PoolSize:        1000,
	BatchSize:       10,
	RefillThreshold: 0.2,
}

// LowWater converts the refill threshold into an entry count.
func (s *ShortCode) LowWater() int {
	return int(float64(s.PoolSize) * s.RefillThreshold)
}

// Registry configures the bounded instance identity pool.
type Registry struct {
	// MaxInstances bounds how many instances may run concurrently.
	MaxInstances int `yaml:"max_instances"`
	// InstanceName is an optional friendly name recorded on the slot.
	InstanceName string `yaml:"instance_name"`
	// HeartbeatInterval is the period between liveness refreshes.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleThreshold is how long a slot may go without a heartbeat before
	// any starting instance may reclaim it.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

var defaultRegistry = Registry{
	MaxInstances:      100,
	HeartbeatInterval: 15 * time.Second,
	StaleThreshold:    2 * time.Minute,
}

type HTTPServer struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
}

var defaultHTTPServer = HTTPServer{
	Port:           8080,
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	IdleTimeout:    time.Minute,
	MaxHeaderBytes: 1 << 20,
}

func (s *HTTPServer) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type Postgres struct {
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DB              string        `yaml:"db"`
	SSLMode         string        `yaml:"sslmode"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
}

var defaultPostgres = Postgres{
	Host:            "localhost",
	Port:            5432,
	SSLMode:         "disable",
	ConnMaxIdleTime: 5 * time.Minute,
	ConnMaxLifetime: 30 * time.Minute,
	MaxIdleConns:    5,
	MaxOpenConns:    25,
}

func (p *Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
}

func Load(path string) (*Config, error) {
	const op = "config.Load"

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open config file: %w", op, err)
	}
	defer f.Close()

	var cfg Config
	setDefaults(&cfg)

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: failed to decode config file: %w", op, err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.Env = EnvDev
	cfg.ShortCode = defaultShortCode
	cfg.Registry = defaultRegistry
	cfg.HTTPServer = defaultHTTPServer
	cfg.Postgres = defaultPostgres
}
