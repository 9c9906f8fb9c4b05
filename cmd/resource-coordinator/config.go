package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/resource-coordinator/layer"
)

// duration decodes YAML scalars like "150ms" or "24h".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

// FileConfig is the YAML config file schema. Every field is optional;
// zero values leave the defaults untouched.
type FileConfig struct {
	Root string `yaml:"root"`

	Cache struct {
		MemoryMaxBytes   int64    `yaml:"memory_max_bytes"`
		DiskMaxBytes     int64    `yaml:"disk_max_bytes"`
		PromoteThreshold int      `yaml:"promote_threshold"`
		DefaultTTL       duration `yaml:"default_ttl"`
	} `yaml:"cache"`

	Locks struct {
		RetryDelay    duration `yaml:"retry_delay"`
		MaxRetries    int      `yaml:"max_retries"`
		SweepInterval duration `yaml:"sweep_interval"`
	} `yaml:"locks"`

	Idempotency struct {
		MaxInFlight        int      `yaml:"max_in_flight"`
		AllowedExtensions  []string `yaml:"allowed_extensions"`
		MaxAttachmentBytes int64    `yaml:"max_attachment_bytes"`
		DedupAttachments   *bool    `yaml:"dedup_attachments"`
	} `yaml:"idempotency"`

	Publish struct {
		MaxRetries      int      `yaml:"max_retries"`
		RetryDelay      duration `yaml:"retry_delay"`
		VerifySize      *bool    `yaml:"verify_size"`
		Backup          *bool    `yaml:"backup"`
		CompressBackups *bool    `yaml:"compress_backups"`
		BackupRetention duration `yaml:"backup_retention"`
	} `yaml:"publish"`

	Lifecycle struct {
		Directories       []string            `yaml:"directories"`
		DefaultTTL        duration            `yaml:"default_ttl"`
		TTLByExtension    map[string]duration `yaml:"ttl_by_extension"`
		MaxFileAge        duration            `yaml:"max_file_age"`
		MaxDirectoryBytes int64               `yaml:"max_directory_bytes"`
		UsageThreshold    float64             `yaml:"usage_threshold"`
		SweepInterval     duration            `yaml:"sweep_interval"`
	} `yaml:"lifecycle"`
}

// LoadFileConfig reads and parses a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &fc, nil
}

// Apply overlays the file config onto cfg, leaving unset fields alone.
func (fc *FileConfig) Apply(cfg *layer.Config) {
	if fc.Root != "" {
		cfg.Root = fc.Root
	}

	if fc.Cache.MemoryMaxBytes > 0 {
		cfg.Cache.MemoryMaxBytes = fc.Cache.MemoryMaxBytes
	}
	if fc.Cache.DiskMaxBytes > 0 {
		cfg.Cache.DiskMaxBytes = fc.Cache.DiskMaxBytes
	}
	if fc.Cache.PromoteThreshold > 0 {
		cfg.Cache.PromoteThreshold = fc.Cache.PromoteThreshold
	}
	if fc.Cache.DefaultTTL > 0 {
		cfg.Cache.DefaultTTL = time.Duration(fc.Cache.DefaultTTL)
	}

	if fc.Locks.RetryDelay > 0 {
		cfg.Locks.RetryDelay = time.Duration(fc.Locks.RetryDelay)
	}
	if fc.Locks.MaxRetries > 0 {
		cfg.Locks.MaxRetries = fc.Locks.MaxRetries
	}
	if fc.Locks.SweepInterval > 0 {
		cfg.Locks.SweepInterval = time.Duration(fc.Locks.SweepInterval)
	}

	if fc.Idempotency.MaxInFlight > 0 {
		cfg.Idempotency.MaxInFlight = fc.Idempotency.MaxInFlight
	}
	if len(fc.Idempotency.AllowedExtensions) > 0 {
		cfg.Idempotency.AllowedExtensions = fc.Idempotency.AllowedExtensions
	}
	if fc.Idempotency.MaxAttachmentBytes > 0 {
		cfg.Idempotency.MaxAttachmentBytes = fc.Idempotency.MaxAttachmentBytes
	}
	if fc.Idempotency.DedupAttachments != nil {
		cfg.Idempotency.DedupAttachments = *fc.Idempotency.DedupAttachments
	}

	if fc.Publish.MaxRetries > 0 {
		cfg.Publish.MaxRetries = fc.Publish.MaxRetries
	}
	if fc.Publish.RetryDelay > 0 {
		cfg.Publish.RetryDelay = time.Duration(fc.Publish.RetryDelay)
	}
	if fc.Publish.VerifySize != nil {
		cfg.Publish.VerifySize = *fc.Publish.VerifySize
	}
	if fc.Publish.Backup != nil {
		cfg.Publish.Backup = *fc.Publish.Backup
	}
	if fc.Publish.CompressBackups != nil {
		cfg.Publish.CompressBackups = *fc.Publish.CompressBackups
	}
	if fc.Publish.BackupRetention > 0 {
		cfg.Publish.BackupRetention = time.Duration(fc.Publish.BackupRetention)
	}

	if len(fc.Lifecycle.Directories) > 0 {
		cfg.Lifecycle.Directories = fc.Lifecycle.Directories
	}
	if fc.Lifecycle.DefaultTTL > 0 {
		cfg.Lifecycle.DefaultTTL = time.Duration(fc.Lifecycle.DefaultTTL)
	}
	if len(fc.Lifecycle.TTLByExtension) > 0 {
		ttls := make(map[string]time.Duration, len(fc.Lifecycle.TTLByExtension))
		for ext, d := range fc.Lifecycle.TTLByExtension {
			ttls[ext] = time.Duration(d)
		}
		cfg.Lifecycle.TTLByExtension = ttls
	}
	if fc.Lifecycle.MaxFileAge > 0 {
		cfg.Lifecycle.MaxFileAge = time.Duration(fc.Lifecycle.MaxFileAge)
	}
	if fc.Lifecycle.MaxDirectoryBytes > 0 {
		cfg.Lifecycle.MaxDirectoryBytes = fc.Lifecycle.MaxDirectoryBytes
	}
	if fc.Lifecycle.UsageThreshold > 0 {
		cfg.Lifecycle.UsageThreshold = fc.Lifecycle.UsageThreshold
	}
	if fc.Lifecycle.SweepInterval > 0 {
		cfg.Lifecycle.SweepInterval = time.Duration(fc.Lifecycle.SweepInterval)
	}
}
