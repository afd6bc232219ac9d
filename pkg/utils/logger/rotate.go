package logger

import (
	"io"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志轮转方式
const (
	RotateNone  = ""      // 不轮转，直接追加写入
	RotateSize  = "size"  // 按文件大小轮转（lumberjack）
	RotateDaily = "daily" // 按天轮转（file-rotatelogs）
)

// FileConfig 文件日志配置
type FileConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`               // 日志文件路径
	Rotate     string `yaml:"rotate" mapstructure:"rotate"`           // 轮转方式：size / daily
	MaxSizeMB  int    `yaml:"max-size-mb" mapstructure:"max-size-mb"` // size模式下单文件最大MB
	MaxBackups int    `yaml:"max-backups" mapstructure:"max-backups"` // 保留的旧文件数量
	MaxAgeDays int    `yaml:"max-age-days" mapstructure:"max-age-days"`
}

// NewFile 根据配置创建写入文件的日志实例
func NewFile(cfg FileConfig, level Level, opts ...Option) (*Logger, error) {
	w, err := fileWriter(cfg)
	if err != nil {
		return nil, err
	}
	return New(w, level, opts...), nil
}

func fileWriter(cfg FileConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return nil, errors.New("log file path is empty")
	}
	switch cfg.Rotate {
	case RotateSize, RotateNone:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		return &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}, nil
	case RotateDaily:
		opts := []rotatelogs.Option{
			rotatelogs.WithLinkName(cfg.Path),
			rotatelogs.WithRotationTime(24 * time.Hour),
		}
		if cfg.MaxAgeDays > 0 {
			opts = append(opts, rotatelogs.WithMaxAge(time.Duration(cfg.MaxAgeDays)*24*time.Hour))
		}
		ext := filepath.Ext(cfg.Path)
		pattern := cfg.Path[:len(cfg.Path)-len(ext)] + ".%Y%m%d" + ext
		w, err := rotatelogs.New(pattern, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "create daily rotating log %s", pattern)
		}
		return w, nil
	default:
		return nil, errors.Errorf("unknown log rotate mode %q", cfg.Rotate)
	}
}
