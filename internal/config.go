package internal

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/pkg/keyfile"
	"github.com/tuannm99/novakf/pkg/logger"
)

type NovaKFConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir       string `mapstructure:"workdir"`
		BlocksPerFile int    `mapstructure:"blocks_per_file"`
		MaxOpenFiles  int    `mapstructure:"max_open_files"`
		FileBlocks    int    `mapstructure:"file_blocks"`
		JournalDir    string `mapstructure:"journal_dir"`
	} `mapstructure:"storage"`

	Log logger.Config `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novakf")
	v.SetDefault("storage.workdir", ".")
	v.SetDefault("storage.blocks_per_file", 64)
	v.SetDefault("storage.max_open_files", 64)
	v.SetDefault("storage.file_blocks", 1<<17)
	v.SetDefault("storage.journal_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "stderr")
	v.SetDefault("metrics.enabled", false)
}

// LoadConfig reads a YAML file. An empty path yields the defaults.
// NOVAKF_* environment variables override both.
func LoadConfig(path string) (*NovaKFConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("novakf")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg NovaKFConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Storage.BlocksPerFile <= 0 || cfg.Storage.MaxOpenFiles <= 0 || cfg.Storage.FileBlocks <= 0 {
		return nil, fmt.Errorf("config: storage sizes must be positive")
	}
	return &cfg, nil
}

// KeyfileOptions builds the environment options. reg is only used when
// metrics are enabled.
func (c *NovaKFConfig) KeyfileOptions(log *zap.Logger, reg prometheus.Registerer) keyfile.Options {
	opts := keyfile.Options{
		BlocksPerFile: c.Storage.BlocksPerFile,
		MaxOpenFiles:  c.Storage.MaxOpenFiles,
		FileBlocks:    uint32(c.Storage.FileBlocks),
		JournalDir:    c.Storage.JournalDir,
		Logger:        log,
	}
	if c.Metrics.Enabled {
		opts.Registerer = reg
	}
	return opts
}

// ResolvePath places a relative file name under the work directory.
func (c *NovaKFConfig) ResolvePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.Workdir, name)
}
