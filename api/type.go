// 公共API类型
package api

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// 日志轮转方式
const (
	RotateNone  = "none"
	RotateSize  = "size"
	RotateDaily = "daily"
)

// 日志配置
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"` // 为空时输出到控制台
	Rotate     string `yaml:"rotate" mapstructure:"rotate"`
	MaxSizeMB  int    `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups" mapstructure:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days" mapstructure:"max-age-days"`
}

// 会话配置
type SessionConfig struct {
	Profile     string        `yaml:"profile" mapstructure:"profile"`
	MTU         int           `yaml:"mtu" mapstructure:"mtu"`           // 0使用默认值
	AutoMTU     bool          `yaml:"auto-mtu" mapstructure:"auto-mtu"` // 按出口网卡MTU推算
	SndWnd      int           `yaml:"snd-wnd" mapstructure:"snd-wnd"`   // 0使用档位默认值
	RcvWnd      int           `yaml:"rcv-wnd" mapstructure:"rcv-wnd"`
	DeadLink    int           `yaml:"dead-link" mapstructure:"dead-link"`
	FastLimit   int           `yaml:"fast-limit" mapstructure:"fast-limit"`
	Stream      bool          `yaml:"stream" mapstructure:"stream"`
	IdleTimeout time.Duration `yaml:"idle-timeout" mapstructure:"idle-timeout"`
	ReadBuffer  int           `yaml:"read-buffer" mapstructure:"read-buffer"` // 超长消息暂存字节数
	MaxSessions int           `yaml:"max-sessions" mapstructure:"max-sessions"`
}

// 仿真链路配置
type LinkConfig struct {
	Loss      float64 `yaml:"loss" mapstructure:"loss"`
	Duplicate float64 `yaml:"duplicate" mapstructure:"duplicate"`
	Reorder   float64 `yaml:"reorder" mapstructure:"reorder"`
	Delay     uint32  `yaml:"delay" mapstructure:"delay"`
	Jitter    uint32  `yaml:"jitter" mapstructure:"jitter"`
	Bandwidth int     `yaml:"bandwidth" mapstructure:"bandwidth"`
	Seed      int64   `yaml:"seed" mapstructure:"seed"`
}

// uarq的主要配置
type Config struct {
	LogLevel string        `yaml:"log-level" mapstructure:"log-level"`
	Log      LogConfig     `yaml:"log" mapstructure:"log"`
	Listen   string        `yaml:"listen" mapstructure:"listen"`
	Metrics  string        `yaml:"metrics" mapstructure:"metrics"` // 为空关闭指标服务
	Session  SessionConfig `yaml:"session" mapstructure:"session"`
	Link     LinkConfig    `yaml:"link" mapstructure:"link"`
}

// DefaultSessionConfig 默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Profile:     ProfileNormal.Name,
		DeadLink:    20,
		FastLimit:   5,
		IdleTimeout: 60 * time.Second,
		ReadBuffer:  512 * 1024,
		MaxSessions: 1024,
	}
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Log:      LogConfig{Rotate: RotateNone, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 7},
		Listen:   ":4000",
		Session:  DefaultSessionConfig(),
	}
}

// Validate 检查配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var err error
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		err = multierr.Append(err, errors.Errorf("unknown log-level %q", c.LogLevel))
	}
	switch c.Log.Rotate {
	case "", RotateNone, RotateSize, RotateDaily:
	default:
		err = multierr.Append(err, errors.Errorf("unknown log.rotate %q", c.Log.Rotate))
	}
	err = multierr.Append(err, c.Session.Validate())
	err = multierr.Append(err, c.Link.Validate())
	return err
}

// Validate 检查会话配置
func (s *SessionConfig) Validate() error {
	var err error
	if _, e := LookupProfile(s.Profile); e != nil {
		err = multierr.Append(err, e)
	}
	if s.MTU != 0 && (s.MTU < 50 || s.MTU > 65507) {
		err = multierr.Append(err, errors.Errorf("mtu %d out of range [50, 65507]", s.MTU))
	}
	if s.SndWnd < 0 || s.RcvWnd < 0 {
		err = multierr.Append(err, errors.New("window sizes must not be negative"))
	}
	if s.DeadLink < 0 {
		err = multierr.Append(err, errors.New("dead-link must not be negative"))
	}
	if s.IdleTimeout < 0 {
		err = multierr.Append(err, errors.New("idle-timeout must not be negative"))
	}
	if s.ReadBuffer < 0 {
		err = multierr.Append(err, errors.New("read-buffer must not be negative"))
	}
	return err
}

// Validate 检查仿真链路配置
func (l *LinkConfig) Validate() error {
	var err error
	for name, p := range map[string]float64{"loss": l.Loss, "duplicate": l.Duplicate, "reorder": l.Reorder} {
		if p < 0 || p > 1 {
			err = multierr.Append(err, errors.Errorf("link.%s %v out of range [0, 1]", name, p))
		}
	}
	if l.Bandwidth < 0 {
		err = multierr.Append(err, errors.New("link.bandwidth must not be negative"))
	}
	return err
}
