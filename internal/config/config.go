// Package config loads client and daemon configuration from flags, an
// optional config file and ROOMSYNC_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable lookup. The key
// "awareness.throttle" is read from ROOMSYNC_AWARENESS_THROTTLE.
const EnvPrefix = "ROOMSYNC"

// Awareness tunes the presence aggregator.
type Awareness struct {
	Throttle      time.Duration `mapstructure:"throttle"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Backoff tunes relay reconnection.
type Backoff struct {
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Client stores everything the roomsync client needs to join a room.
type Client struct {
	Room       string    `mapstructure:"room"`
	Invite     []string  `mapstructure:"invite"`   // signaling URLs from an invite, tried first
	Fallback   string    `mapstructure:"fallback"` // last-resort signaling URL, never cached
	Relay      []string  `mapstructure:"relay"`    // relay endpoints, tried in order
	Bridge     string    `mapstructure:"bridge"`   // host bridge URL; probed before peer mode
	Key        string    `mapstructure:"key"`      // base64 room key
	DataDir    string    `mapstructure:"data"`
	ICEServers []string  `mapstructure:"ice_servers"`
	LogLevel   string    `mapstructure:"log_level"`
	Awareness  Awareness `mapstructure:"awareness"`
	Backoff    Backoff   `mapstructure:"backoff"`
}

// RoomKey decodes the configured base64 room key. An empty key yields nil.
func (c *Client) RoomKey() ([]byte, error) {
	if c.Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("config: decoding room key: %w", err)
	}
	return key, nil
}

// Validate reports configuration that can never join a room.
func (c *Client) Validate() error {
	if strings.TrimSpace(c.Room) == "" {
		return errors.New("config: room is required")
	}
	if len(c.Invite) == 0 && c.Fallback == "" && len(c.Relay) == 0 && c.Bridge == "" {
		return errors.New("config: no signaling, relay or bridge endpoint configured")
	}
	if _, err := c.RoomKey(); err != nil {
		return err
	}
	return nil
}

// Server stores the relay daemon settings.
type Server struct {
	Listen    string        `mapstructure:"listen"`
	DataDir   string        `mapstructure:"data"`
	Redis     string        `mapstructure:"redis"`
	NoPersist bool          `mapstructure:"no_persist"`
	RateLimit float64       `mapstructure:"rate_limit"` // key deliveries per second per client
	RateBurst int           `mapstructure:"rate_burst"`
	MaxSkew   time.Duration `mapstructure:"max_skew"`
	LogLevel  string        `mapstructure:"log_level"`
}

// DefaultICEServers mirrors the public STUN set used by the peer transport.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("room", "")
	v.SetDefault("invite", []string{})
	v.SetDefault("fallback", "")
	v.SetDefault("relay", []string{})
	v.SetDefault("bridge", "")
	v.SetDefault("key", "")
	v.SetDefault("data", "")
	v.SetDefault("ice_servers", DefaultICEServers)
	v.SetDefault("log_level", "info")
	v.SetDefault("awareness.throttle", 100*time.Millisecond)
	v.SetDefault("awareness.max_age", 30*time.Second)
	v.SetDefault("awareness.sweep_interval", 5*time.Second)
	v.SetDefault("backoff.base", 500*time.Millisecond)
	v.SetDefault("backoff.max", 30*time.Second)
	v.SetDefault("backoff.max_retries", 8)
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8787")
	v.SetDefault("data", "")
	v.SetDefault("redis", "")
	v.SetDefault("no_persist", false)
	v.SetDefault("rate_limit", 1.0)
	v.SetDefault("rate_burst", 5)
	v.SetDefault("max_skew", 5*time.Minute)
	v.SetDefault("log_level", "info")
}

// ClientFlags registers the client flags on fs. Flag names use dashes;
// LoadClient maps them onto the underscore config keys.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("room", "", "room id to join")
	fs.StringSlice("invite", nil, "signaling URL from an invite (repeatable)")
	fs.String("fallback", "", "fallback signaling URL")
	fs.StringSlice("relay", nil, "relay endpoint URL (repeatable, tried in order)")
	fs.String("bridge", "", "host bridge URL")
	fs.String("key", "", "base64 room key")
	fs.String("data", "", "directory for the local cache (empty = in memory)")
	fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	fs.String("config", "", "config file (yaml, toml or json)")
}

// ServerFlags registers the daemon flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":8787", "listen address")
	fs.String("data", "", "directory for room keys and state")
	fs.String("redis", "", "redis address for cross-instance fan-out")
	fs.Bool("no-persist", false, "disable key delivery and state persistence")
	fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	fs.String("config", "", "config file (yaml, toml or json)")
}

// LoadClient resolves the client configuration. Precedence, highest first:
// flags that were set, environment, config file, defaults.
func LoadClient(fs *pflag.FlagSet) (*Client, error) {
	v := viper.New()
	clientDefaults(v)
	if err := load(v, fs); err != nil {
		return nil, err
	}

	var c Client
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decoding client config: %w", err)
	}
	return &c, nil
}

// LoadServer resolves the daemon configuration with the same precedence as
// LoadClient.
func LoadServer(fs *pflag.FlagSet) (*Server, error) {
	v := viper.New()
	serverDefaults(v)
	if err := load(v, fs); err != nil {
		return nil, err
	}

	var s Server
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: decoding server config: %w", err)
	}
	return &s, nil
}

func load(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return fmt.Errorf("config: binding flags: %w", bindErr)
		}
	}

	file := v.GetString("config")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			file = f.Value.String()
		}
	}
	if file == "" {
		return nil
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", file, err)
	}
	return nil
}
