// Package config loads batchanchor settings from an optional file and the
// environment, and validates them against an embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override: input.dir is read from
// BATCHANCHOR_INPUT_DIR.
const EnvPrefix = "BATCHANCHOR"

// Config is the full set of batchanchor settings.
type Config struct {
	Input  InputConfig  `mapstructure:"input" json:"input"`
	Merkle MerkleConfig `mapstructure:"merkle" json:"merkle"`
	State  StateConfig  `mapstructure:"state" json:"state"`
	Retry  RetryConfig  `mapstructure:"retry" json:"retry"`
	Ledger LedgerConfig `mapstructure:"ledger" json:"ledger"`
	EAS    EASConfig    `mapstructure:"eas" json:"eas"`
	Notify NotifyConfig `mapstructure:"notify" json:"notify"`
	Run    RunConfig    `mapstructure:"run" json:"run"`
}

// InputConfig locates the directory of *.ndjson record files.
type InputConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// MerkleConfig locates the root and proofs artifacts.
type MerkleConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// StateConfig locates the SQLite anchoring ledger.
type StateConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// RetryConfig paces recovery of unfinished batches.
type RetryConfig struct {
	MinDelay   time.Duration `mapstructure:"min_delay" json:"min_delay"`
	StaleAfter time.Duration `mapstructure:"stale_after" json:"stale_after"`
}

// LedgerConfig selects the external ledger: "eas" or "local".
type LedgerConfig struct {
	Kind     string `mapstructure:"kind" json:"kind"`
	LocalDir string `mapstructure:"local_dir" json:"local_dir"`
}

// EASConfig holds the attestation client settings, used when Ledger.Kind is "eas".
type EASConfig struct {
	RPCURL        string        `mapstructure:"rpc_url" json:"rpc_url"`
	PrivateKey    string        `mapstructure:"private_key" json:"private_key"`
	SchemaUID     string        `mapstructure:"schema_uid" json:"schema_uid"`
	Contract      string        `mapstructure:"contract" json:"contract"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout" json:"wait_timeout"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" json:"submit_timeout"`
}

// NotifyConfig selects the notification sink: "log", "kafka" or "rabbitmq".
type NotifyConfig struct {
	Kind     string         `mapstructure:"kind" json:"kind"`
	Kafka    KafkaConfig    `mapstructure:"kafka" json:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" json:"rabbitmq"`
}

// KafkaConfig configures the franz-go producer of the kafka sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic"`
}

// RabbitMQConfig configures the AMQP publisher of the rabbitmq sink.
type RabbitMQConfig struct {
	URL        string `mapstructure:"url" json:"url"`
	Exchange   string `mapstructure:"exchange" json:"exchange"`
	RoutingKey string `mapstructure:"routing_key" json:"routing_key"`
}

// RunConfig paces the run command. Interval > 0 makes it loop instead of
// doing a single pass.
type RunConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// legacyEnv maps keys to the environment names of earlier deployments.
var legacyEnv = map[string]string{
	"input.dir":       "DIR_INPUT_RECORDS",
	"merkle.dir":      "DIR_MERKLE",
	"state.path":      "APP_STATE",
	"eas.rpc_url":     "RPC_URL",
	"eas.private_key": "PRIVATE_KEY",
	"eas.schema_uid":  "SCHEMA_UID",
	"eas.contract":    "EAS_CONTRACT_ADDRESS",
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Notify.Kafka.Brokers == nil {
		cfg.Notify.Kafka.Brokers = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.dir", "data/input")
	v.SetDefault("merkle.dir", "data/merkle")
	v.SetDefault("state.path", "data/state.db")
	v.SetDefault("retry.min_delay", 30*time.Second)
	v.SetDefault("retry.stale_after", time.Hour)
	v.SetDefault("ledger.kind", "local")
	v.SetDefault("ledger.local_dir", "data/ledger")
	v.SetDefault("eas.rpc_url", "")
	v.SetDefault("eas.private_key", "")
	v.SetDefault("eas.schema_uid", "")
	v.SetDefault("eas.contract", "")
	v.SetDefault("eas.wait_timeout", 2*time.Minute)
	v.SetDefault("eas.submit_timeout", time.Minute)
	v.SetDefault("notify.kind", "log")
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "batchanchor.events")
	v.SetDefault("notify.rabbitmq.url", "")
	v.SetDefault("notify.rabbitmq.exchange", "batchanchor")
	v.SetDefault("notify.rabbitmq.routing_key", "")
	v.SetDefault("run.interval", time.Duration(0))
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	data := ctx.Encode(c)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.EAS.PrivateKey != "" {
		c.EAS.PrivateKey = "***"
	}
	return c
}
