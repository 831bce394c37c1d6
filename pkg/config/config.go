package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	Engine EngineConfig `yaml:"engine" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// SlogLevel maps the configured level to slog.
func (l LoggerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
}

type RecoverMode string

const (
	RecoverTableBased RecoverMode = "TableBased"
	RecoverShardBased RecoverMode = "ShardBased"
)

type StorageConfig struct {
	Type string `yaml:"type" validate:"required,oneof=local memory"`
	Root string `yaml:"root"`
}

// TableOptions are the per table knobs. Zero values fall back to the
// engine-wide table_opts.
type TableOptions struct {
	WriteBufferSize    Size          `yaml:"write_buffer_size" json:"write_buffer_size,omitempty" validate:"min=0"`
	NumRowsPerRowGroup int           `yaml:"num_rows_per_row_group" json:"num_rows_per_row_group,omitempty" validate:"min=0"`
	Compression        string        `yaml:"compression" json:"compression,omitempty" validate:"omitempty,oneof=none uncompressed zstd gzip"`
	BloomFPRate        float64       `yaml:"bloom_fp_rate" json:"bloom_fp_rate,omitempty" validate:"min=0,lt=1"`
	SegmentDuration    time.Duration `yaml:"segment_duration" json:"segment_duration,omitempty" validate:"min=0"`
	TTL                time.Duration `yaml:"ttl" json:"ttl,omitempty" validate:"min=0"`
}

// Merge fills the zero fields of o from defaults.
func (o TableOptions) Merge(defaults TableOptions) TableOptions {
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = defaults.WriteBufferSize
	}
	if o.NumRowsPerRowGroup == 0 {
		o.NumRowsPerRowGroup = defaults.NumRowsPerRowGroup
	}
	if o.Compression == "" {
		o.Compression = defaults.Compression
	}
	if o.BloomFPRate == 0 {
		o.BloomFPRate = defaults.BloomFPRate
	}
	if o.SegmentDuration == 0 {
		o.SegmentDuration = defaults.SegmentDuration
	}
	if o.TTL == 0 {
		o.TTL = defaults.TTL
	}
	return o
}

type CompactionConfig struct {
	ScheduleChannelLen int           `yaml:"schedule_channel_len" validate:"min=1"`
	ScheduleInterval   time.Duration `yaml:"schedule_interval" validate:"gt=0"`
	MaxOngoingTasks    int           `yaml:"max_ongoing_tasks" validate:"min=1"`
	MaxRetry           int           `yaml:"max_retry" validate:"min=0"`
	MinThreshold       int           `yaml:"min_threshold" validate:"min=2"`
	MaxThreshold       int           `yaml:"max_threshold" validate:"gtefield=MinThreshold"`
	BucketLow          float64       `yaml:"bucket_low" validate:"gt=0,lt=1"`
	BucketHigh         float64       `yaml:"bucket_high" validate:"gt=1"`
	MinSSTableSize     Size          `yaml:"min_sstable_size"`
	MaxInputBytes      Size          `yaml:"max_input_bytes" validate:"gt=0"`
	// DisableAuto leaves compaction to explicit requests only.
	DisableAuto bool `yaml:"disable_auto"`
}

// NamespaceConfig shard counts are set once per data directory.
type NamespaceConfig struct {
	ShardNum     int `yaml:"shard_num" json:"shard_num" validate:"min=1"`
	MetaShardNum int `yaml:"meta_shard_num" json:"meta_shard_num" validate:"min=1"`
}

type ManifestConfig struct {
	SnapshotEveryNEdits int `yaml:"snapshot_every_n_edits" validate:"min=1"`
}

type WALNamespaceOptions struct {
	TTL time.Duration `yaml:"ttl" validate:"min=0"`
}

type LocalWALConfig struct {
	Dir         string `yaml:"dir"`
	SegmentSize Size   `yaml:"segment_size"`
	QueueSize   int    `yaml:"queue_size" validate:"min=0"`
}

type TableKVWALConfig struct {
	Endpoint      string              `yaml:"endpoint"`
	DataNamespace WALNamespaceOptions `yaml:"data_namespace"`
	MetaNamespace WALNamespaceOptions `yaml:"meta_namespace"`
}

type KafkaWALConfig struct {
	Brokers       []string            `yaml:"brokers"`
	TopicPrefix   string              `yaml:"topic_prefix"`
	DataNamespace WALNamespaceOptions `yaml:"data_namespace"`
	MetaNamespace WALNamespaceOptions `yaml:"meta_namespace"`
}

type WALConfig struct {
	Type      string           `yaml:"type" validate:"required,oneof=local memory table_kv kafka"`
	Namespace NamespaceConfig  `yaml:"namespace"`
	Local     LocalWALConfig   `yaml:"local"`
	TableKV   TableKVWALConfig `yaml:"table_kv"`
	Kafka     KafkaWALConfig   `yaml:"kafka"`
}

type EngineConfig struct {
	Storage                      StorageConfig    `yaml:"storage"`
	ReplayBatchSize              int              `yaml:"replay_batch_size" validate:"min=1"`
	MaxReplayTablesPerBatch      int              `yaml:"max_replay_tables_per_batch" validate:"min=1"`
	TableOpts                    TableOptions     `yaml:"table_opts"`
	Compaction                   CompactionConfig `yaml:"compaction"`
	SSTMetaCacheCap              *int             `yaml:"sst_meta_cache_cap" validate:"omitempty,min=1"`
	SSTDataCacheCap              *int             `yaml:"sst_data_cache_cap" validate:"omitempty,min=1"`
	Manifest                     ManifestConfig   `yaml:"manifest"`
	MaxRowsInWriteQueue          int              `yaml:"max_rows_in_write_queue" validate:"min=0"`
	SpaceWriteBufferSize         Size             `yaml:"space_write_buffer_size"`
	DBWriteBufferSize            Size             `yaml:"db_write_buffer_size"`
	PreflushWriteBufferSizeRatio float64          `yaml:"preflush_write_buffer_size_ratio" validate:"gt=0,lte=1"`
	FlushCheckInterval           time.Duration    `yaml:"flush_check_interval" validate:"min=0"`
	ScanBatchSize                int              `yaml:"scan_batch_size" validate:"min=0"`
	ScanMaxRecordBatchesInFlight int              `yaml:"scan_max_record_batches_in_flight" validate:"min=1"`
	SSTBackgroundReadParallelism int              `yaml:"sst_background_read_parallelism" validate:"min=1"`
	WriteSSTMaxBufferSize        Size             `yaml:"write_sst_max_buffer_size" validate:"gt=0"`
	MaxRetryFlushLimit           int              `yaml:"max_retry_flush_limit" validate:"min=0"`
	MaxBytesPerWriteBatch        Size             `yaml:"max_bytes_per_write_batch"`
	WAL                          WALConfig        `yaml:"wal"`
	RecoverMode                  RecoverMode      `yaml:"recover_mode" validate:"required,oneof=TableBased ShardBased"`
}

func intPtr(v int) *int {
	return &v
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			Storage: StorageConfig{
				Type: "local",
				Root: "./data",
			},
			ReplayBatchSize:         500,
			MaxReplayTablesPerBatch: 64,
			TableOpts: TableOptions{
				WriteBufferSize:    32 * MB,
				NumRowsPerRowGroup: 8192,
				Compression:        "zstd",
				BloomFPRate:        0.01,
				SegmentDuration:    2 * time.Hour,
			},
			Compaction: CompactionConfig{
				ScheduleChannelLen: 16,
				ScheduleInterval:   30 * time.Minute,
				MaxOngoingTasks:    8,
				MaxRetry:           3,
				MinThreshold:       4,
				MaxThreshold:       16,
				BucketLow:          0.5,
				BucketHigh:         1.5,
				MinSSTableSize:     50 * MB,
				MaxInputBytes:      10 * GB,
			},
			SSTMetaCacheCap: intPtr(1000),
			SSTDataCacheCap: intPtr(1000),
			Manifest: ManifestConfig{
				SnapshotEveryNEdits: 100,
			},
			PreflushWriteBufferSizeRatio: 0.75,
			FlushCheckInterval:           time.Second,
			ScanMaxRecordBatchesInFlight: 1024,
			SSTBackgroundReadParallelism: 8,
			WriteSSTMaxBufferSize:        10 * MB,
			MaxRetryFlushLimit:           0,
			WAL: WALConfig{
				Type: "local",
				Namespace: NamespaceConfig{
					ShardNum:     8,
					MetaShardNum: 1,
				},
				Local: LocalWALConfig{
					SegmentSize: 64 * MB,
				},
			},
			RecoverMode: RecoverTableBased,
		},
	}
}

// Validate runs the tag rules and the checks spanning several fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e := &c.Engine
	if e.Storage.Type == "local" && e.Storage.Root == "" {
		return fmt.Errorf("%w: storage.root is required for local storage", ErrInvalidConfig)
	}
	if e.TableOpts.WriteBufferSize == 0 {
		return fmt.Errorf("%w: table_opts.write_buffer_size must be set", ErrInvalidConfig)
	}
	if e.TableOpts.NumRowsPerRowGroup == 0 {
		return fmt.Errorf("%w: table_opts.num_rows_per_row_group must be set", ErrInvalidConfig)
	}
	if e.SpaceWriteBufferSize != 0 && e.DBWriteBufferSize != 0 && e.SpaceWriteBufferSize > e.DBWriteBufferSize {
		return fmt.Errorf("%w: space_write_buffer_size %s exceeds db_write_buffer_size %s",
			ErrInvalidConfig, e.SpaceWriteBufferSize, e.DBWriteBufferSize)
	}
	for name, cp := range map[string]*int{"sst_meta_cache_cap": e.SSTMetaCacheCap, "sst_data_cache_cap": e.SSTDataCacheCap} {
		if cp != nil && *cp < 1 {
			return fmt.Errorf("%w: %s must be positive or null", ErrInvalidConfig, name)
		}
	}
	if e.WAL.Namespace.ShardNum < 1 || e.WAL.Namespace.MetaShardNum < 1 {
		return fmt.Errorf("%w: wal namespace shard counts must be positive", ErrInvalidConfig)
	}

	switch e.WAL.Type {
	case "local":
		if e.WAL.Local.Dir == "" && e.Storage.Root == "" {
			return fmt.Errorf("%w: wal.local.dir is required without storage.root", ErrInvalidConfig)
		}
	case "table_kv":
		if e.WAL.TableKV.Endpoint == "" {
			return fmt.Errorf("%w: wal.table_kv.endpoint is required", ErrInvalidConfig)
		}
	case "kafka":
		if len(e.WAL.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: wal.kafka.brokers is required", ErrInvalidConfig)
		}
	}
	return nil
}

// Load reads a YAML file over the defaults. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping the fields the document does not set,
// and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg.Validate()
}
