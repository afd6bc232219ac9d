package main

import (
	"os"

	"github.com/junbin-yang/uarq-go/api"
	"github.com/junbin-yang/uarq-go/pkg/netsim"
	"github.com/junbin-yang/uarq-go/pkg/transport/arq"
	log "github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// simulation 一次仿真传输的参数
type simulation struct {
	Profile  api.Profile
	Link     api.LinkConfig
	Messages int
	Size     int
	Limit    uint32 // 虚拟时间上限（毫秒）
	MTU      int
}

// simulationResult 仿真结果
type simulationResult struct {
	Profile   string       `yaml:"profile"`
	Delivered int          `yaml:"delivered"`
	Messages  int          `yaml:"messages"`
	Complete  bool         `yaml:"complete"`
	VirtualMs uint32       `yaml:"virtual-ms"`
	Sender    arq.Stats    `yaml:"sender"`
	Receiver  arq.Stats    `yaml:"receiver"`
	Forward   netsim.Stats `yaml:"forward"`
	Backward  netsim.Stats `yaml:"backward"`
}

func linkConfig(l api.LinkConfig, seed int64) netsim.Config {
	return netsim.Config{
		Loss:      l.Loss,
		Duplicate: l.Duplicate,
		Reorder:   l.Reorder,
		Delay:     l.Delay,
		Jitter:    l.Jitter,
		Bandwidth: l.Bandwidth,
		Seed:      seed,
	}
}

func newEndpoint(conv uint32, out func([]byte), sim simulation) (*arq.Conversation, error) {
	c := arq.New(conv, out)
	p := sim.Profile
	c.SetNoDelay(p.NoDelay, p.Interval, p.Resend, p.NoCwnd)
	c.SetWindowSize(p.SndWnd, p.RcvWnd)
	if sim.MTU > 0 {
		if err := c.SetMtu(sim.MTU); err != nil {
			return nil, err
		}
	}
	c.SetLogger(logger)
	return c, nil
}

// run 从A向B发送全部消息，按档位的刷新间隔推进虚拟时钟直到全部交付或超时
func (sim simulation) run() (simulationResult, error) {
	if sim.Size <= 0 || sim.Messages <= 0 {
		return simulationResult{}, errors.Errorf("invalid simulation: %d messages of %d bytes", sim.Messages, sim.Size)
	}
	// 两个方向使用不同种子，避免丢包模式相关
	pair := netsim.NewPair(0, linkConfig(sim.Link, sim.Link.Seed), linkConfig(sim.Link, sim.Link.Seed+1))

	a, err := newEndpoint(0x5eed, pair.OutputA(), sim)
	if err != nil {
		return simulationResult{}, err
	}
	b, err := newEndpoint(0x5eed, pair.OutputB(), sim)
	if err != nil {
		return simulationResult{}, err
	}
	defer a.Release()
	defer b.Release()
	pair.Attach(a, b)

	msg := make([]byte, sim.Size)
	for i := 0; i < sim.Messages; i++ {
		msg[0] = byte(i)
		if err := a.Send(msg); err != nil {
			return simulationResult{}, errors.Wrapf(err, "queue message %d", i)
		}
	}

	delivered := 0
	complete := pair.Run(uint32(sim.Profile.Interval), sim.Limit, func() bool {
		for {
			m, err := b.ReadMessage()
			if err != nil {
				break
			}
			if len(m) != sim.Size || m[0] != byte(delivered) {
				logger.Error("out of order delivery", log.Int("expect", delivered), log.Int("size", len(m)))
			}
			delivered++
		}
		return delivered == sim.Messages
	})

	return simulationResult{
		Profile:   sim.Profile.Name,
		Delivered: delivered,
		Messages:  sim.Messages,
		Complete:  complete,
		VirtualMs: pair.Clock.Now(),
		Sender:    a.Stats(),
		Receiver:  b.Stats(),
		Forward:   pair.AB.Stats(),
		Backward:  pair.BA.Stats(),
	}, nil
}

// runSimulate 在仿真链路上运行一个或全部档位，输出yaml
func runSimulate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	messages, _ := cmd.Flags().GetInt("messages")
	size, _ := cmd.Flags().GetInt("size")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetUint32("limit")

	profiles := api.Profiles()
	if !all {
		p, err := api.LookupProfile(config.Session.Profile)
		if err != nil {
			return err
		}
		profiles = []api.Profile{p}
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	for _, p := range profiles {
		sim := simulation{
			Profile:  p,
			Link:     config.Link,
			Messages: messages,
			Size:     size,
			Limit:    limit,
			MTU:      config.Session.MTU,
		}
		res, err := sim.run()
		if err != nil {
			return err
		}
		logger.Info("simulation finished",
			log.String("profile", p.Name),
			log.Bool("complete", res.Complete),
			log.Uint32("virtual_ms", res.VirtualMs))
		if err := enc.Encode(res); err != nil {
			return errors.Wrap(err, "encode result")
		}
	}
	return nil
}
