// uarq的命令行接口，用于启动可靠UDP回显服务、拨号测试及在仿真链路上比较调优档位
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/junbin-yang/uarq-go/api"
	log "github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"
	BuildTime = "unknown"

	// 配置相关
	cfgFile string
	config  api.Config

	// 日志实例
	logger *log.Logger
)

// rootCmd 基础命令，默认启动回显服务
var rootCmd = &cobra.Command{
	Use:   "uarq",
	Short: "uarq: 基于UDP的可靠ARQ传输",
	Long: `uarq在UDP之上实现选择重传、快速重传与拥塞控制的可靠消息传输。
默认启动回显服务；dial子命令连接服务并测量往返时延，simulate子命令在带丢包的仿真链路上比较调优档位。`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uarq %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动回显服务",
	RunE:  runServe,
}

var dialCmd = &cobra.Command{
	Use:   "dial <addr>",
	Short: "连接回显服务并测量往返时延",
	Args:  cobra.ExactArgs(1),
	RunE:  runDial,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在仿真链路上传输消息并输出统计",
	RunE:  runSimulate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(config)
	},
}

func init() {
	// 在命令执行前初始化配置
	cobra.OnInitialize(initConfig)

	def := api.DefaultConfig()

	// 全局标志
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "配置文件路径（默认是./uarq.yaml）")
	pf.String("log-level", def.LogLevel, "日志级别（debug, info, warning, error, fatal）")
	pf.String("log-file", "", "日志文件路径，为空输出到控制台")
	pf.String("log-rotate", def.Log.Rotate, "日志轮转方式（none, size, daily）")
	pf.String("profile", def.Session.Profile, "调优档位（normal, fast, fast2, fast3）")
	pf.Int("mtu", 0, "数据报MTU，0使用默认值")
	pf.Bool("auto-mtu", false, "按出口网卡MTU推算")
	pf.Int("snd-wnd", 0, "发送窗口（分片数），0使用档位默认值")
	pf.Int("rcv-wnd", 0, "接收窗口（分片数），0使用档位默认值")
	pf.Bool("stream", false, "流模式")

	// 将命令行标志绑定到viper
	bind := map[string]string{
		"log-level":        "log-level",
		"log.file":         "log-file",
		"log.rotate":       "log-rotate",
		"session.profile":  "profile",
		"session.mtu":      "mtu",
		"session.auto-mtu": "auto-mtu",
		"session.snd-wnd":  "snd-wnd",
		"session.rcv-wnd":  "rcv-wnd",
		"session.stream":   "stream",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, pf.Lookup(flag))
	}

	serveCmd.Flags().String("listen", def.Listen, "监听地址")
	serveCmd.Flags().String("metrics", def.Metrics, "指标服务地址，为空不启动")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("metrics", serveCmd.Flags().Lookup("metrics"))
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	dialCmd.Flags().Uint32("conv", 1, "会话号")
	dialCmd.Flags().Int("count", 10, "发送消息数")
	dialCmd.Flags().Int("size", 1024, "消息字节数")
	dialCmd.Flags().Duration("timeout", 0, "总超时，0不限制")

	simulateCmd.Flags().Int("messages", 1000, "发送消息数")
	simulateCmd.Flags().Int("size", 1024, "消息字节数")
	simulateCmd.Flags().Bool("all", false, "依次运行全部调优档位")
	simulateCmd.Flags().Uint32("limit", 600000, "虚拟时间上限（毫秒）")
	simulateCmd.Flags().Float64("loss", 0, "丢包率")
	simulateCmd.Flags().Float64("duplicate", 0, "重复率")
	simulateCmd.Flags().Float64("reorder", 0, "乱序率")
	simulateCmd.Flags().Uint32("delay", 20, "单向时延（毫秒）")
	simulateCmd.Flags().Uint32("jitter", 0, "时延抖动（毫秒）")
	simulateCmd.Flags().Int("bandwidth", 0, "带宽（字节/秒），0不限制")
	simulateCmd.Flags().Int64("seed", 1, "随机种子")
	for _, name := range []string{"loss", "duplicate", "reorder", "delay", "jitter", "bandwidth", "seed"} {
		viper.BindPFlag("link."+name, simulateCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(versionCmd, serveCmd, dialCmd, simulateCmd, configCmd)
}

// initConfig 读取配置文件与环境变量，初始化日志
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("uarq")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为UARQ（例如UARQ_SESSION_PROFILE对应session.profile）
	viper.SetEnvPrefix("UARQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults(api.DefaultConfig())

	logger = log.Default()
	if err := viper.ReadInConfig(); err == nil {
		logger.Info("using config file", log.String("path", viper.ConfigFileUsed()))
		watchConfig()
	}
}

// setDefaults 让未出现在配置文件和标志中的键也能被Unmarshal与环境变量覆盖
func setDefaults(def api.Config) {
	viper.SetDefault("log-level", def.LogLevel)
	viper.SetDefault("log.rotate", def.Log.Rotate)
	viper.SetDefault("log.max-size-mb", def.Log.MaxSizeMB)
	viper.SetDefault("log.max-backups", def.Log.MaxBackups)
	viper.SetDefault("log.max-age-days", def.Log.MaxAgeDays)
	viper.SetDefault("listen", def.Listen)
	viper.SetDefault("metrics", def.Metrics)
	viper.SetDefault("session.profile", def.Session.Profile)
	viper.SetDefault("session.dead-link", def.Session.DeadLink)
	viper.SetDefault("session.fast-limit", def.Session.FastLimit)
	viper.SetDefault("session.idle-timeout", def.Session.IdleTimeout)
	viper.SetDefault("session.read-buffer", def.Session.ReadBuffer)
	viper.SetDefault("session.max-sessions", def.Session.MaxSessions)
}

// watchConfig 配置文件变化时热更新日志级别，其余参数需重启生效
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lvl, err := log.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			logger.Warn("ignore invalid log-level on reload", log.Err(err))
			return
		}
		logger.SetLevel(lvl)
		logger.Info("config reloaded", log.String("file", e.Name), log.String("log-level", lvl.String()))
	})
	viper.WatchConfig()
}

// loadConfig 从viper加载配置并校验，按配置重建日志实例
func loadConfig() error {
	config = api.DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		return errors.Wrap(err, "解析配置失败")
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "配置无效")
	}

	l, err := newLogger(config)
	if err != nil {
		return err
	}
	logger = l
	log.ReplaceDefault(l)
	return nil
}

func newLogger(cfg api.Config) (*log.Logger, error) {
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.Log.File == "" {
		return log.New(os.Stderr, lvl, log.AddCaller(), log.AddCallerSkip(1)), nil
	}
	rotate := cfg.Log.Rotate
	if rotate == api.RotateNone {
		rotate = log.RotateNone
	}
	return log.NewFile(log.FileConfig{
		Path:       cfg.Log.File,
		Rotate:     rotate,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, lvl, log.AddCaller(), log.AddCallerSkip(1))
}

// signalContext SIGINT/SIGTERM时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
	log.Sync()
}

// ./uarq serve --listen :4000 --metrics :9100 --profile fast2

// ./uarq dial 127.0.0.1:4000 --count 100 --size 4096 --profile fast2

// ./uarq simulate --all --loss 0.1 --delay 30 --messages 2000
