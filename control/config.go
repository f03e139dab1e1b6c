// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration: role defaults, optional YAML file, command-line
// overrides, validation.

package control

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Role selects which side of the tunnel a process runs.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// MinWindow is the smallest snd_wnd/rcv_wnd accepted. A full 64 KiB tunnel
// message spans 48 fragments at MTU 1400 and the receiver reassembles it
// only when every fragment fits in its window.
const MinWindow = 64

// ByteSize is a size that accepts human-readable values such as "256KiB".
type ByteSize int64

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

// UnmarshalYAML accepts either a plain integer or a size string.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// MarshalYAML writes the human-readable form.
func (b ByteSize) MarshalYAML() (any, error) { return b.String(), nil }

// Config holds parameters immutable per run.
type Config struct {
	Role Role `yaml:"-"`

	Listen    string `yaml:"listen"`     // client: local apps, server: control channel
	Remote    string `yaml:"remote"`     // client: server control address, server: upstream service
	UDPListen string `yaml:"udp_listen"` // UDP bind address
	UDPRemote string `yaml:"udp_remote"` // client only: server UDP address

	Mode    string `yaml:"mode"`    // KCP preset: normal, fast, fast2, fast3
	Reactor string `yaml:"reactor"` // epoll or select
	SndWnd  int    `yaml:"snd_wnd"`
	RcvWnd  int    `yaml:"rcv_wnd"`

	// ReactorCPU pins the reactor thread to one CPU; negative leaves it
	// to the scheduler.
	ReactorCPU int `yaml:"reactor_cpu"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BacklogMemLimit   ByteSize      `yaml:"backlog_mem_limit"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	ConvBase          uint32        `yaml:"conv_base"`
	ConvCount         int           `yaml:"conv_count"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MetricsListen string `yaml:"metrics_listen"` // empty disables the endpoint
}

// Default returns the defaults for role.
func Default(role Role) *Config {
	c := &Config{
		Role:              role,
		Mode:              "fast3",
		Reactor:           "epoll",
		ReactorCPU:        -1,
		SndWnd:            128,
		RcvWnd:            128,
		HeartbeatInterval: 5 * time.Second,
		BacklogMemLimit:   256 << 10,
		ReconnectBackoff:  time.Second,
		ConvBase:          100,
		ConvCount:         10000,
		LogLevel:          "info",
		LogFormat:         "console",
	}
	switch role {
	case RoleServer:
		c.Listen = "0.0.0.0:29900"
		c.Remote = "127.0.0.1:5082"
		c.UDPListen = "0.0.0.0:29901"
	default:
		c.Listen = "127.0.0.1:5080"
		c.Remote = "127.0.0.1:29900"
		c.UDPListen = "0.0.0.0:0"
		c.UDPRemote = "127.0.0.1:29901"
	}
	return c
}

// Load starts from the role defaults and overlays the YAML file at path,
// if path is not empty.
func Load(path string, role Role) (*Config, error) {
	c := Default(role)
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	c.Role = role
	return c, nil
}

// RegisterFlags binds every field to fs, using the current values as
// defaults, so flags parsed after Load override the file.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "TCP listen address")
	fs.StringVar(&c.Remote, "remote", c.Remote, "remote TCP address")
	fs.StringVar(&c.UDPListen, "udp-listen", c.UDPListen, "UDP bind address")
	if c.Role == RoleClient {
		fs.StringVar(&c.UDPRemote, "udp-remote", c.UDPRemote, "server UDP address")
	}
	fs.StringVar(&c.Mode, "mode", c.Mode, "KCP preset: normal, fast, fast2, fast3")
	fs.StringVar(&c.Reactor, "reactor", c.Reactor, "reactor strategy: epoll or select")
	fs.IntVar(&c.ReactorCPU, "reactor-cpu", c.ReactorCPU, "pin the reactor thread to this CPU, -1 to disable")
	fs.IntVar(&c.SndWnd, "sndwnd", c.SndWnd, "KCP send window")
	fs.IntVar(&c.RcvWnd, "rcvwnd", c.RcvWnd, "KCP receive window")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat", c.HeartbeatInterval, "heartbeat interval")
	fs.Var(&c.BacklogMemLimit, "backlog-mem", "in-memory backlog ceiling per tunnel, e.g. 256KiB")
	fs.DurationVar(&c.ReconnectBackoff, "reconnect-backoff", c.ReconnectBackoff, "minimum spacing between reconnect attempts")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.StringVar(&c.MetricsListen, "metrics", c.MetricsListen, "Prometheus listen address, empty to disable")
}

// ParseArgs builds the configuration of a command: role defaults, then the
// file named by -config, then the remaining flags. The result is validated.
func ParseArgs(name string, role Role, args []string) (*Config, error) {
	var path string
	probe := flag.NewFlagSet(name, flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	probe.StringVar(&path, "config", "", "")
	Default(role).RegisterFlags(probe)
	_ = probe.Parse(args)

	c, err := Load(path, role)
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return c, c.Validate()
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	require := func(name, v string) {
		if v == "" {
			err = multierr.Append(err, fmt.Errorf("%s must be set", name))
		}
	}
	require("listen", c.Listen)
	require("remote", c.Remote)
	require("udp_listen", c.UDPListen)
	switch c.Role {
	case RoleClient:
		require("udp_remote", c.UDPRemote)
	case RoleServer:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("heartbeat_interval must be positive"))
	}
	if c.BacklogMemLimit <= 0 {
		err = multierr.Append(err, errors.New("backlog_mem_limit must be positive"))
	}
	if c.SndWnd < MinWindow || c.RcvWnd < MinWindow {
		err = multierr.Append(err, fmt.Errorf("snd_wnd and rcv_wnd must be at least %d", MinWindow))
	}
	if c.ReconnectBackoff < 0 {
		err = multierr.Append(err, errors.New("reconnect_backoff must not be negative"))
	}
	if c.ConvCount <= 0 || uint64(c.ConvBase)+uint64(c.ConvCount)-1 > uint64(^uint32(0)) {
		err = multierr.Append(err, fmt.Errorf("conv range [%d, +%d) is invalid", c.ConvBase, c.ConvCount))
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
