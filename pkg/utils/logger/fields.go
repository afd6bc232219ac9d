package logger

import (
	"time"

	"go.uber.org/zap"
)

// 常用字段构造函数，避免调用方直接依赖zap
var (
	String   = zap.String
	Int      = zap.Int
	Int32    = zap.Int32
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Float64  = zap.Float64
	Any      = zap.Any
	Stringer = zap.Stringer
)

func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }

func Err(err error) Field { return zap.Error(err) }
