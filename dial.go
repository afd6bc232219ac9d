package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/junbin-yang/uarq-go/pkg/transport/session"
	log "github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// dialReport dial命令输出
type dialReport struct {
	Remote   string        `yaml:"remote"`
	Messages int           `yaml:"messages"`
	Size     int           `yaml:"size"`
	Elapsed  time.Duration `yaml:"elapsed"`
	RTTMin   time.Duration `yaml:"rtt-min"`
	RTTP50   time.Duration `yaml:"rtt-p50"`
	RTTP99   time.Duration `yaml:"rtt-p99"`
	RTTMax   time.Duration `yaml:"rtt-max"`
	Session  session.Stats `yaml:"session"`
}

// runDial 逐条发送消息并校验回显
func runDial(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	conv, _ := cmd.Flags().GetUint32("conv")
	count, _ := cmd.Flags().GetInt("count")
	size, _ := cmd.Flags().GetInt("size")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	scfg, err := session.NewConfig(config.Session)
	if err != nil {
		return err
	}
	scfg.Logger = logger

	ctx, stop := signalContext()
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s, err := session.Dial(ctx, args[0], conv, scfg)
	if err != nil {
		return err
	}
	defer s.Close()

	msg := make([]byte, size)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(msg)
	reply := make([]byte, size)

	rtts := make([]time.Duration, 0, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		sent := time.Now()
		if _, err := s.WriteContext(ctx, msg); err != nil {
			return errors.Wrapf(err, "write message %d", i)
		}
		got := 0
		for got < size {
			n, err := s.ReadContext(ctx, reply[got:])
			if err != nil {
				return errors.Wrapf(err, "read echo %d", i)
			}
			got += n
		}
		if !bytes.Equal(msg, reply) {
			return errors.Errorf("echo %d mismatch", i)
		}
		rtts = append(rtts, time.Since(sent))
		logger.Debug("echo received", log.Int("seq", i), log.Duration("rtt", rtts[len(rtts)-1]))
	}

	report := dialReport{
		Remote:   args[0],
		Messages: count,
		Size:     size,
		Elapsed:  time.Since(start),
		Session:  s.Stats(),
	}
	if len(rtts) > 0 {
		sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
		report.RTTMin = rtts[0]
		report.RTTP50 = rtts[len(rtts)/2]
		report.RTTP99 = rtts[len(rtts)*99/100]
		report.RTTMax = rtts[len(rtts)-1]
	}
	fmt.Fprintln(os.Stdout, "---")
	return yaml.NewEncoder(os.Stdout).Encode(report)
}
