// UDP会话层：每个会话持有一个ARQ引擎，负责喂入数据报、按Check驱动Update，并向应用提供阻塞的Read/Write
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/uarq-go/pkg/transport/arq"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/junbin-yang/uarq-go/pkg/utils/timer"
	"github.com/pkg/errors"
)

// 会话终止原因
var (
	ErrClosed      = errors.New("session: closed")
	ErrDeadLink    = errors.New("session: dead link")
	ErrIdleTimeout = errors.New("session: idle timeout")
	ErrEvicted     = errors.New("session: evicted from session table")
)

const maxDatagram = 65536

// Session 一个可靠会话
// Read/Write可与内部协程并发调用；同一时刻只应有一个读者和一个写者
type Session struct {
	id     uuid.UUID
	mu     sync.Mutex // 保护conv
	conv   *arq.Conversation
	conn   net.PacketConn
	remote net.Addr
	owned  bool // 拨号会话独占套接字
	cfg    Config

	clock timer.Clock
	waker *timer.Waker
	spill *RingBuffer

	readable chan struct{}
	writable chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce    sync.Once
	releaseOnce sync.Once
	err         error // 终止原因，在ctx取消前写入
	closeErr    error
	onClose     func(*Session)

	created  time.Time
	lastRecv atomic.Int64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	outErrs  atomic.Uint64

	log *logger.Logger
}

// Stats 会话统计
type Stats struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Created   time.Time `json:"created"`
	BytesIn   uint64    `json:"datagram_bytes_in"`
	BytesOut  uint64    `json:"datagram_bytes_out"`
	OutErrs   uint64    `json:"output_errors"`
	Engine    arq.Stats `json:"engine"`
	Terminate string    `json:"terminated,omitempty"`
}

func newSession(conn net.PacketConn, remote net.Addr, conv uint32, autoConv, owned bool, cfg Config) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New(),
		conn:     conn,
		remote:   remote,
		owned:    owned,
		cfg:      cfg,
		clock:    timer.NewMonotonic(),
		waker:    timer.NewWaker(),
		spill:    NewRingBuffer(cfg.readBuffer()),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		created:  time.Now(),
	}
	s.lastRecv.Store(s.created.UnixNano())
	s.log = cfg.logger().Named("session").With(
		logger.String("id", s.id.String()),
		logger.String("remote", remote.String()))

	s.conv = arq.New(conv, s.output)
	if autoConv {
		s.conv.SetAutoConv(true)
	}
	if err := cfg.apply(s.conv, remote); err != nil {
		cancel()
		s.waker.Stop()
		return nil, err
	}
	s.conv.SetLogger(s.log)
	return s, nil
}

// Dial 创建独占UDP套接字的会话，conv需与对端一致
func Dial(ctx context.Context, addr string, conv uint32, cfg Config) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	network := "udp"
	if raddr.IP.To4() != nil {
		network = "udp4"
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, errors.Wrap(err, "create udp socket")
	}

	s, err := newSession(conn, raddr, conv, false, true, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.start()
	s.log.Info("session dialed",
		logger.String("local", conn.LocalAddr().String()),
		logger.Uint32("conv", conv))
	return s, nil
}

func (s *Session) start() {
	s.wg.Add(1)
	go s.updateLoop()
	if s.owned {
		s.wg.Add(1)
		go s.readLoop()
	}
}

// output 引擎输出回调，在持有s.mu时被调用
func (s *Session) output(buf []byte) {
	n, err := s.conn.WriteTo(buf, s.remote)
	if err != nil {
		s.outErrs.Add(1)
		if s.ctx.Err() == nil {
			s.log.Debug("write datagram failed", logger.Err(err))
		}
		return
	}
	s.bytesOut.Add(uint64(n))
}

// updateLoop 按Check给出的时间驱动Update，检测断链与空闲
func (s *Session) updateLoop() {
	defer s.wg.Done()
	defer s.waker.Stop()

	for {
		s.mu.Lock()
		now := s.clock.Now()
		s.conv.Update(now)
		next := s.conv.Check(now)
		dead := s.conv.IsDead()
		s.mu.Unlock()

		if dead {
			s.fail(ErrDeadLink)
			return
		}
		if s.owned && s.cfg.IdleTimeout > 0 && time.Since(s.LastActive()) > s.cfg.IdleTimeout {
			s.fail(ErrIdleTimeout)
			return
		}

		s.waker.Reset(timer.Until(now, next))
		select {
		case <-s.ctx.Done():
			return
		case <-s.waker.C:
		case <-s.waker.Kicked():
		}
	}
}

// readLoop 拨号会话的接收协程
func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("receive error", logger.Err(err))
			continue
		}
		if addr.String() != s.remote.String() {
			s.log.Warn("datagram from unknown address", logger.String("from", addr.String()))
			continue
		}
		s.input(buf[:n])
	}
}

// input 喂入一个数据报，唤醒等待中的读者和写者
func (s *Session) input(data []byte) {
	s.lastRecv.Store(time.Now().UnixNano())
	s.bytesIn.Add(uint64(len(data)))

	s.mu.Lock()
	before := s.conv.WaitSnd()
	err := s.conv.Input(data)
	readable := s.conv.PeekSize() >= 0
	writable := s.conv.WaitSnd() < before
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("datagram rejected", logger.Err(err))
	}
	if readable {
		notify(s.readable)
	}
	if writable {
		notify(s.writable)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Read 读取一条消息；p放不下时剩余部分在后续Read中返回
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext 同Read，可通过ctx取消等待
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if n, _ := s.spill.Read(p); n > 0 {
			return n, nil
		}

		s.mu.Lock()
		if size := s.conv.PeekSize(); size >= 0 {
			n, err := s.recvLocked(p, size)
			s.mu.Unlock()
			// 读取可能重新打开接收窗口，尽快刷新
			s.waker.Kick()
			return n, err
		}
		s.mu.Unlock()

		select {
		case <-s.readable:
		case <-s.ctx.Done():
			return 0, s.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *Session) recvLocked(p []byte, size int) (int, error) {
	if size <= len(p) {
		return s.conv.Recv(p)
	}
	msg, err := s.conv.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	if _, err := s.spill.Write(msg[n:]); err != nil {
		return n, errors.Wrapf(err, "spill %d bytes of a %d byte message", len(msg)-n, len(msg))
	}
	return n, nil
}

// Write 发送一条消息；发送缓冲积压超过两倍发送窗口时阻塞
func (s *Session) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext 同Write，可通过ctx取消等待
// 流模式下超过单条消息上限的写入会被切分
func (s *Session) WriteContext(ctx context.Context, p []byte) (int, error) {
	limit := len(p)
	if s.cfg.Stream {
		limit = arq.MaxFragments * s.conv.Mss()
	}
	written := 0
	for written < len(p) || len(p) == 0 {
		chunk := p[written:]
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		if err := s.send(ctx, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		if len(p) == 0 {
			break
		}
	}
	return written, nil
}

func (s *Session) send(ctx context.Context, p []byte) error {
	sndWnd, _ := s.cfg.windows()
	for {
		if s.ctx.Err() != nil {
			return s.err
		}
		s.mu.Lock()
		if s.conv.WaitSnd() < 2*sndWnd {
			err := s.conv.Send(p)
			if err == nil {
				s.conv.Update(s.clock.Now())
			}
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		select {
		case <-s.writable:
		case <-s.ctx.Done():
			return s.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail 终止会话：停止协程，关闭独占套接字，从所属监听器注销
// 已到达的数据在Close之前仍可读取
func (s *Session) fail(reason error) {
	s.failOnce.Do(func() {
		s.err = reason
		s.cancel()
		if s.owned {
			s.closeErr = s.conn.Close()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		if errors.Is(reason, ErrClosed) {
			s.log.Info("session closed")
		} else {
			s.log.Warn("session terminated", logger.Err(reason))
		}
	})
}

// Close 关闭会话并丢弃所有未发送与未读取的数据
func (s *Session) Close() error {
	s.fail(ErrClosed)
	s.wg.Wait()

	var err error
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		if n := s.conv.WaitSnd(); n > 0 {
			s.log.Debug("discard unsent segments", logger.Int("count", n))
		}
		s.conv.Release()
		s.mu.Unlock()
		s.spill.Close()
		err = s.closeErr
	})
	return err
}

// Done 会话终止时关闭
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err 会话终止原因，未终止时为nil
func (s *Session) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return s.err
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) Conv() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Conv()
}

func (s *Session) RemoteAddr() net.Addr { return s.remote }

func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// LastActive 最近一次收到数据报的时间
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastRecv.Load())
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	engine := s.conv.Stats()
	s.mu.Unlock()

	st := Stats{
		ID:       s.id.String(),
		Remote:   s.remote.String(),
		Created:  s.created,
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
		OutErrs:  s.outErrs.Load(),
		Engine:   engine,
	}
	if err := s.Err(); err != nil {
		st.Terminate = err.Error()
	}
	return st
}
