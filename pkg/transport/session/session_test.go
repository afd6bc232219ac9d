package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/junbin-yang/uarq-go/api"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	sc := api.DefaultSessionConfig()
	sc.Profile = api.ProfileFast3.Name
	cfg, err := NewConfig(sc)
	require.NoError(t, err)
	cfg.Logger = logger.Nop()
	return cfg
}

func listen(t *testing.T, cfg Config) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// echo 回显每个会话收到的消息
func echo(l *Listener) {
	go func() {
		for {
			s, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			go func(s *Session) {
				buf := make([]byte, 1<<20)
				for {
					n, err := s.Read(buf)
					if err != nil {
						return
					}
					if _, err := s.Write(buf[:n]); err != nil {
						return
					}
				}
			}(s)
		}
	}()
}

func TestSession_Echo(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)
	echo(l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Dial(ctx, l.Addr().String(), 0x11223344, cfg)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 4096)
	for i := 0; i < 50; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, 100+i*20)
		_, err := s.WriteContext(ctx, msg)
		require.NoError(t, err)

		n, err := s.ReadContext(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, msg, buf[:n], "message %d", i)
	}

	require.Eventually(t, func() bool { return len(l.Sessions()) == 1 }, time.Second, 10*time.Millisecond)
	peer := l.Sessions()[0]
	assert.Equal(t, uint32(0x11223344), peer.Conv(), "会话号应取自首个分片")

	st := s.Stats()
	assert.NotZero(t, st.BytesOut)
	assert.NotZero(t, st.Engine.OutSegs)
	assert.Len(t, l.SessionStats(), 1)
}

func TestSession_LargeMessageSpill(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)
	echo(l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Dial(ctx, l.Addr().String(), 7, cfg)
	require.NoError(t, err)
	defer s.Close()

	msg := make([]byte, 100*1024)
	for i := range msg {
		msg[i] = byte(i * 7)
	}
	_, err = s.WriteContext(ctx, msg)
	require.NoError(t, err)

	// 用小缓冲分多次读出一条消息
	var got []byte
	small := make([]byte, 3000)
	for len(got) < len(msg) {
		n, err := s.ReadContext(ctx, small)
		require.NoError(t, err)
		got = append(got, small[:n]...)
	}
	assert.Equal(t, msg, got)
}

func TestSession_StreamChunking(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream = true
	l := listen(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Dial(ctx, l.Addr().String(), 9, cfg)
	require.NoError(t, err)
	defer s.Close()

	// 超过单条消息上限，流模式下切分发送
	msg := bytes.Repeat([]byte("stream"), 80*1024)
	n, err := s.WriteContext(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	peer, err := l.Accept(ctx)
	require.NoError(t, err)
	defer peer.Close()

	var got []byte
	buf := make([]byte, 64*1024)
	for len(got) < len(msg) {
		n, err := peer.ReadContext(ctx, buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, msg, got)
}

func TestSession_ReadContextCancel(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)

	s, err := Dial(context.Background(), l.Addr().String(), 1, cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.ReadContext(ctx, make([]byte, 16))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NoError(t, s.Err())
}

func TestSession_Close(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)

	s, err := Dial(context.Background(), l.Addr().String(), 1, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 16))
		done <- err
	}()

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Close未唤醒阻塞的读取")
	}

	_, err = s.Write([]byte("late"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, s.Close(), "重复关闭应无副作用")
}

func TestSession_DeadLink(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLink = 3

	// 对端套接字只收不回
	sink, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	s, err := Dial(context.Background(), sink.LocalAddr().String(), 1, cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("nobody home"))
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("会话未检测到链路失效")
	}
	assert.True(t, errors.Is(s.Err(), ErrDeadLink))

	_, err = s.Write([]byte("again"))
	assert.True(t, errors.Is(err, ErrDeadLink))
}

func TestSession_IdleTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 200 * time.Millisecond

	sink, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	s, err := Dial(context.Background(), sink.LocalAddr().String(), 1, cfg)
	require.NoError(t, err)
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("空闲会话未被终止")
	}
	assert.True(t, errors.Is(s.Err(), ErrIdleTimeout))
}

func TestSession_UnknownAddressIgnored(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)

	s, err := Dial(context.Background(), l.Addr().String(), 1, cfg)
	require.NoError(t, err)
	defer s.Close()

	stranger, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer stranger.Close()

	_, err = stranger.WriteTo([]byte("garbage"), s.LocalAddr())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, s.Stats().BytesIn)
}

func TestListener_RejectsNonPush(t *testing.T) {
	cfg := testConfig(t)
	l := listen(t, cfg)

	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	// 过短
	_, err = c.WriteTo([]byte{1, 2, 3}, l.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Rejected() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, l.TableStats().Size)
}

func TestListener_CloseReleasesSessions(t *testing.T) {
	cfg := testConfig(t)
	l, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, l.Addr().String(), 1, cfg)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.WriteContext(ctx, []byte("hello"))
	require.NoError(t, err)

	peer, err := l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	<-peer.Done()
	assert.True(t, errors.Is(peer.Err(), ErrClosed))

	_, err = l.Accept(ctx)
	assert.True(t, errors.Is(err, ErrListenerClosed))
}
