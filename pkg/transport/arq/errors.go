package arq

import "github.com/pkg/errors"

// 输入帧错误：拒绝剩余未解析部分，已解析的报文仍然生效
var (
	ErrShortHeader    = errors.New("arq: short segment header")
	ErrBadLength      = errors.New("arq: segment length exceeds datagram")
	ErrUnknownCommand = errors.New("arq: unknown segment command")
	ErrConvMismatch   = errors.New("arq: conversation id mismatch")
)

// 资源限制与调用错误
var (
	ErrEmptyInput       = errors.New("arq: empty payload")
	ErrTooManyFragments = errors.New("arq: message needs more than 255 fragments")
	ErrWouldBlock       = errors.New("arq: no complete message available")
	ErrMessageTooLarge  = errors.New("arq: message larger than receive buffer")
	ErrInvalidMTU       = errors.New("arq: invalid mtu")
	ErrMTUInUse         = errors.New("arq: queued segments exceed new mtu")
)

// IsFramingError 判断是否为对端输入导致的帧错误
func IsFramingError(err error) bool {
	return errors.Is(err, ErrShortHeader) ||
		errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrConvMismatch)
}
