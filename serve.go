package main

import (
	"context"
	"time"

	"github.com/junbin-yang/uarq-go/pkg/metrics"
	"github.com/junbin-yang/uarq-go/pkg/transport/session"
	log "github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runServe 启动回显服务与可选的指标服务，收到中断信号后关闭
func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	scfg, err := session.NewConfig(config.Session)
	if err != nil {
		return err
	}
	scfg.Logger = logger

	ln, err := session.Listen(config.Listen, scfg)
	if err != nil {
		return err
	}
	logger.Info("uarq echo server started",
		log.String("version", Version),
		log.String("addr", ln.Addr().String()),
		log.String("profile", scfg.Profile.Name))

	ctx, stop := signalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return acceptLoop(ctx, ln) })
	if config.Metrics != "" {
		srv, err := metrics.NewServer(ln, logger)
		if err != nil {
			ln.Close()
			return err
		}
		g.Go(func() error { return srv.ListenAndServe(ctx, config.Metrics) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return ln.Close()
	})

	err = g.Wait()
	logger.Info("uarq echo server stopped")
	return err
}

func acceptLoop(ctx context.Context, ln *session.Listener) error {
	for {
		s, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go echoSession(s)
	}
}

// echoSession 原样返回收到的每条消息，会话终止后释放
func echoSession(s *session.Session) {
	defer s.Close()

	l := logger.With(log.String("session", s.ID()), log.String("remote", s.RemoteAddr().String()))
	l.Info("session opened", log.Uint32("conv", s.Conv()))
	start := time.Now()

	buf := make([]byte, 1<<20)
	for {
		n, err := s.Read(buf)
		if err != nil {
			st := s.Stats()
			l.Info("session finished",
				log.Err(err),
				log.Duration("lifetime", time.Since(start)),
				log.Uint64("segments_in", st.Engine.InSegs),
				log.Uint64("segments_out", st.Engine.OutSegs))
			return
		}
		if _, err := s.Write(buf[:n]); err != nil {
			l.Warn("echo failed", log.Err(err))
			return
		}
	}
}
