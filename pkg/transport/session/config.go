package session

import (
	"net"
	"time"

	"github.com/junbin-yang/uarq-go/api"
	"github.com/junbin-yang/uarq-go/pkg/network"
	"github.com/junbin-yang/uarq-go/pkg/transport/arq"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// Config 会话参数
type Config struct {
	Profile     api.Profile
	MTU         int // 0使用默认值
	AutoMTU     bool
	SndWnd      int // 0使用档位窗口
	RcvWnd      int
	DeadLink    int
	FastLimit   int
	Stream      bool
	IdleTimeout time.Duration
	ReadBuffer  int
	MaxSessions int

	Logger *logger.Logger
}

// DefaultConfig 默认会话参数
func DefaultConfig() Config {
	c, _ := NewConfig(api.DefaultSessionConfig())
	return c
}

// NewConfig 由配置文件中的会话段生成会话参数
func NewConfig(sc api.SessionConfig) (Config, error) {
	if err := sc.Validate(); err != nil {
		return Config{}, err
	}
	profile, err := api.LookupProfile(sc.Profile)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Profile:     profile,
		MTU:         sc.MTU,
		AutoMTU:     sc.AutoMTU,
		SndWnd:      sc.SndWnd,
		RcvWnd:      sc.RcvWnd,
		DeadLink:    sc.DeadLink,
		FastLimit:   sc.FastLimit,
		Stream:      sc.Stream,
		IdleTimeout: sc.IdleTimeout,
		ReadBuffer:  sc.ReadBuffer,
		MaxSessions: sc.MaxSessions,
	}, nil
}

func (c Config) logger() *logger.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Default()
}

// windows 档位窗口，显式配置优先
func (c Config) windows() (int, int) {
	snd, rcv := c.Profile.SndWnd, c.Profile.RcvWnd
	if c.SndWnd > 0 {
		snd = c.SndWnd
	}
	if c.RcvWnd > 0 {
		rcv = c.RcvWnd
	}
	return snd, rcv
}

// resolveMTU 计算发往remote时使用的MTU
func (c Config) resolveMTU(remote net.Addr) int {
	if c.MTU > 0 {
		return c.MTU
	}
	if !c.AutoMTU {
		return arq.DefaultMTU
	}
	udp, ok := remote.(*net.UDPAddr)
	if !ok {
		return arq.DefaultMTU
	}
	mgr, err := network.NewManager()
	if err != nil {
		c.logger().Warn("auto mtu unavailable", logger.Err(err))
		return arq.DefaultMTU
	}
	mtu, err := mgr.PathMTU(udp)
	if err != nil {
		c.logger().Warn("auto mtu unavailable", logger.String("remote", remote.String()), logger.Err(err))
		return arq.DefaultMTU
	}
	return mtu
}

// apply 将参数写入引擎
func (c Config) apply(conv *arq.Conversation, remote net.Addr) error {
	p := c.Profile
	conv.SetNoDelay(p.NoDelay, p.Interval, p.Resend, p.NoCwnd)
	conv.SetWindowSize(c.windows())
	if err := conv.SetMtu(c.resolveMTU(remote)); err != nil {
		return errors.Wrap(err, "apply session mtu")
	}
	if c.DeadLink > 0 {
		conv.SetDeadLink(c.DeadLink)
	}
	conv.SetFastLimit(c.FastLimit)
	conv.SetStreamMode(c.Stream)
	conv.SetLogger(c.logger())
	return nil
}

func (c Config) readBuffer() int {
	if c.ReadBuffer > 0 {
		return c.ReadBuffer
	}
	// 足以容纳一条最大消息
	return arq.MaxFragments * arq.DefaultMTU
}
