package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junbin-yang/uarq-go/pkg/transport/arq"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var ErrListenerClosed = errors.New("session: listener closed")

const acceptBacklog = 128

// Listener 在一个UDP套接字上按远端地址分发会话
// 未知地址的首个数据报必须是可解析的数据报文，会话号取自该报文
type Listener struct {
	conn   net.PacketConn
	cfg    Config
	table  *Table
	accept chan *Session

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopClean chan struct{}

	rejected atomic.Uint64

	log *logger.Logger
}

// Listen 在addr上监听
func Listen(addr string, cfg Config) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		conn:   conn,
		cfg:    cfg,
		accept: make(chan *Session, acceptBacklog),
		ctx:    ctx,
		cancel: cancel,
		log:    cfg.logger().Named("listener").With(logger.String("local", conn.LocalAddr().String())),
	}
	l.table = NewTable(TableConfig{
		MaxSize: cfg.MaxSessions,
		TTL:     cfg.IdleTimeout,
		OnEvict: l.evicted,
	})
	if cfg.IdleTimeout > 0 {
		l.stopClean = l.table.StartCleanupWorker(cleanupInterval(cfg.IdleTimeout))
	}

	l.wg.Add(1)
	go l.readLoop()

	l.log.Info("listening", logger.Int("max_sessions", cfg.MaxSessions),
		logger.Duration("idle_timeout", cfg.IdleTimeout))
	return l, nil
}

func cleanupInterval(ttl time.Duration) time.Duration {
	d := ttl / 4
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("receive error", logger.Err(err))
			continue
		}
		l.dispatch(addr, buf[:n])
	}
}

// dispatch 将数据报交给对应会话，必要时创建新会话
func (l *Listener) dispatch(addr net.Addr, data []byte) {
	key := addr.String()
	if s, ok := l.table.Get(key); ok {
		s.input(data)
		return
	}

	seg, _, err := arq.DecodeSegment(data)
	if err != nil || seg.Cmd != arq.CmdPush {
		l.rejected.Add(1)
		l.log.Debug("drop datagram from unknown peer", logger.String("from", key))
		return
	}

	s, err := newSession(l.conn, addr, 0, true, false, l.cfg)
	if err != nil {
		l.rejected.Add(1)
		l.log.Warn("create session failed", logger.String("from", key), logger.Err(err))
		return
	}
	s.onClose = func(s *Session) { l.table.RemoveSession(key, s) }
	s.start()
	l.table.Put(key, s)

	select {
	case l.accept <- s:
	default:
		l.rejected.Add(1)
		l.log.Warn("accept backlog full", logger.String("from", key))
		go s.Close()
		return
	}
	l.log.Info("session accepted", logger.String("remote", key), logger.Uint32("conv", seg.Conv))
	s.input(data)
}

// evicted 会话表淘汰回调
func (l *Listener) evicted(key string, s *Session) {
	s.fail(ErrEvicted)
}

// Accept 等待下一个新会话
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Sessions 当前活跃会话
func (l *Listener) Sessions() []*Session { return l.table.Sessions() }

// SessionStats 当前全部会话的统计快照
func (l *Listener) SessionStats() []Stats {
	sessions := l.table.Sessions()
	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// TableStats 会话表统计
func (l *Listener) TableStats() TableStats { return l.table.GetStatistics() }

// Rejected 被丢弃的未知来源数据报数
func (l *Listener) Rejected() uint64 { return l.rejected.Load() }

// Close 关闭监听器与其下全部会话
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		if l.stopClean != nil {
			close(l.stopClean)
		}
		err = l.conn.Close()
		l.wg.Wait()
		for _, s := range l.table.Drain() {
			err = multierr.Append(err, s.Close())
		}
		// 未被Accept的会话
		for {
			select {
			case s := <-l.accept:
				s.Close()
				continue
			default:
			}
			break
		}
		l.log.Info("listener closed")
	})
	return err
}
