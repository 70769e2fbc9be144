package server

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// 环境变量前缀，例如 TICKARENA_TICK_RATE=30
const envPrefix = "TICKARENA_"

// Config 会话服务器的全部运行参数
type Config struct {
	Addr string

	TickRate         int // 每秒 Tick 次数
	InputQueueSize   int // 输入队列容量，满则丢弃新输入
	BroadcastBuffer  int // 广播环形缓冲保留的快照数
	InspectQueueSize int // 待处理的 /admin/session 诊断请求容量

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64

	Codec              string // json | msgpack
	RemoveOnDisconnect bool   // Disconnect 时是否同时移除世界中的玩家

	LogFile    string
	LogLevel   string
	LogConsole bool
}

// DefaultConfig 默认配置（60 TPS，1000 条输入缓冲）
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8080",
		TickRate:         60,
		InputQueueSize:   1000,
		BroadcastBuffer:  16,
		InspectQueueSize: 64,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingPeriod:       25 * time.Second,
		ReadLimit:        1 << 20, // 1MB
		Codec:            CodecJSON,
		LogFile:          "app.log",
		LogLevel:         "info",
		LogConsole:       true,
	}
}

// TickInterval 由 TickRate 推导的 Tick 周期
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.TickRate)
}

// Validate 校验配置，返回所有不合法项的合并错误
func (c Config) Validate() error {
	var err error
	if c.Addr == "" {
		err = multierr.Append(err, errors.New("addr must not be empty"))
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		err = multierr.Append(err, fmt.Errorf("tick rate %d out of range (1..1000)", c.TickRate))
	}
	if c.InputQueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("input queue size must be positive, got %d", c.InputQueueSize))
	}
	if c.BroadcastBuffer <= 0 {
		err = multierr.Append(err, fmt.Errorf("broadcast buffer must be positive, got %d", c.BroadcastBuffer))
	}
	if c.InspectQueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("inspect queue size must be positive, got %d", c.InspectQueueSize))
	}
	if c.WriteTimeout <= 0 {
		err = multierr.Append(err, errors.New("write timeout must be positive"))
	}
	if c.ReadTimeout <= 0 {
		err = multierr.Append(err, errors.New("read timeout must be positive"))
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.ReadTimeout {
		err = multierr.Append(err, fmt.Errorf("ping period %s must be positive and shorter than read timeout %s", c.PingPeriod, c.ReadTimeout))
	}
	if c.ReadLimit <= 0 {
		err = multierr.Append(err, errors.New("read limit must be positive"))
	}
	if _, cerr := NewCodec(c.Codec); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if _, lerr := parseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	return err
}

// LoadConfig 按 默认值 → .env 文件 → 环境变量 → 命令行参数 的顺序合成配置
func LoadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	// .env 文件可选，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	fset := flag.NewFlagSet("tickarena", flag.ContinueOnError)
	cfg.bindFlags(fset)
	if err := fset.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) bindFlags(fset *flag.FlagSet) {
	fset.StringVar(&c.Addr, "addr", c.Addr, "server listen address, e.g. :8080")
	fset.IntVar(&c.TickRate, "tick-rate", c.TickRate, "simulation ticks per second")
	fset.IntVar(&c.InputQueueSize, "input-queue", c.InputQueueSize, "bounded input queue capacity")
	fset.IntVar(&c.BroadcastBuffer, "broadcast-buffer", c.BroadcastBuffer, "snapshots retained for lagging subscribers")
	fset.IntVar(&c.InspectQueueSize, "inspect-queue", c.InspectQueueSize, "pending /admin/session inspection capacity")
	fset.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-frame write deadline")
	fset.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "read deadline, extended on pong")
	fset.DurationVar(&c.PingPeriod, "ping-period", c.PingPeriod, "websocket ping interval")
	fset.Int64Var(&c.ReadLimit, "read-limit", c.ReadLimit, "maximum inbound frame size in bytes")
	fset.StringVar(&c.Codec, "codec", c.Codec, "payload codec: json or msgpack")
	fset.BoolVar(&c.RemoveOnDisconnect, "remove-on-disconnect", c.RemoveOnDisconnect, "remove the world entry when a player disconnects")
	fset.StringVar(&c.LogFile, "log-file", c.LogFile, "rotating log file path (empty disables file output)")
	fset.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fset.BoolVar(&c.LogConsole, "log-console", c.LogConsole, "also log to stderr")
}

// applyEnv 读取 TICKARENA_* 环境变量，解析失败的项一并返回
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var err error
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", envPrefix, key, perr))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", envPrefix, key, perr))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", envPrefix, key, perr))
				return
			}
			*dst = b
		}
	}

	if v, ok := get("ADDR"); ok {
		c.Addr = v
	}
	setInt("TICK_RATE", &c.TickRate)
	setInt("INPUT_QUEUE", &c.InputQueueSize)
	setInt("BROADCAST_BUFFER", &c.BroadcastBuffer)
	setInt("INSPECT_QUEUE", &c.InspectQueueSize)
	setDuration("WRITE_TIMEOUT", &c.WriteTimeout)
	setDuration("READ_TIMEOUT", &c.ReadTimeout)
	setDuration("PING_PERIOD", &c.PingPeriod)
	if v, ok := get("READ_LIMIT"); ok {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("%sREAD_LIMIT: %w", envPrefix, perr))
		} else {
			c.ReadLimit = n
		}
	}
	if v, ok := get("CODEC"); ok {
		c.Codec = strings.ToLower(v)
	}
	setBool("REMOVE_ON_DISCONNECT", &c.RemoveOnDisconnect)
	if v, ok := lookup(envPrefix + "LOG_FILE"); ok {
		c.LogFile = strings.TrimSpace(v) // 允许置空以关闭文件日志
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	setBool("LOG_CONSOLE", &c.LogConsole)
	return err
}
