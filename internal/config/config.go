// Package config provides configuration loading for the weft daemon:
// defaults, config file, environment, and flags, in ascending
// precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	// Zid pins the local identity as hex. Empty generates a fresh one
	// per process.
	Zid           string              `mapstructure:"zid"`
	Listen        []string            `mapstructure:"listen"`
	Connect       []string            `mapstructure:"connect"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Links         LinksConfig         `mapstructure:"links"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type TransportConfig struct {
	Lease            time.Duration `mapstructure:"lease"`
	Grace            time.Duration `mapstructure:"grace"`
	KeepAliveFactor  int           `mapstructure:"keepalive_factor"`
	SeqNumResolution uint32        `mapstructure:"seqnum_resolution"`
	BatchSize        int           `mapstructure:"batch_size"`
	QueueSize        int           `mapstructure:"queue_size"`
	ReorderWindow    uint32        `mapstructure:"reorder_window"`
	DefragLimit      int           `mapstructure:"defrag_limit"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	Multilink        bool          `mapstructure:"multilink"`
	Compression      bool          `mapstructure:"compression"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type LinksConfig struct {
	TCP    TCPConfig    `mapstructure:"tcp"`
	UDP    UDPConfig    `mapstructure:"udp"`
	TLS    TLSConfig    `mapstructure:"tls"`
	WS     WSConfig     `mapstructure:"ws"`
	QUIC   QUICConfig   `mapstructure:"quic"`
	Serial SerialConfig `mapstructure:"serial"`
}

type TCPConfig struct {
	MTU int `mapstructure:"mtu"`
}

type UDPConfig struct {
	MTU           int `mapstructure:"mtu"`
	AcceptBacklog int `mapstructure:"accept_backlog"`
}

type TLSConfig struct {
	MTU        int    `mapstructure:"mtu"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ServerName string `mapstructure:"server_name"`
	Insecure   bool   `mapstructure:"insecure"`
}

type WSConfig struct {
	MTU  int    `mapstructure:"mtu"`
	Path string `mapstructure:"path"`
}

type QUICConfig struct {
	MTU      int    `mapstructure:"mtu"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
	Insecure bool   `mapstructure:"insecure"`
}

type SerialConfig struct {
	MTU      int `mapstructure:"mtu"`
	BaudRate int `mapstructure:"baud_rate"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.lease", 10*time.Second)
	v.SetDefault("transport.keepalive_factor", 4)
	v.SetDefault("transport.seqnum_resolution", 1<<28)
	v.SetDefault("transport.batch_size", 65535)
	v.SetDefault("transport.queue_size", 256)
	v.SetDefault("transport.reorder_window", 256)
	v.SetDefault("transport.defrag_limit", 1<<20)
	v.SetDefault("transport.drain_timeout", time.Second)
	v.SetDefault("transport.multilink", true)
	v.SetDefault("transport.compression", false)
	v.SetDefault("transport.max_sessions", 1024)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)

	v.SetDefault("links.udp.mtu", 1472)
	v.SetDefault("links.ws.path", "/weft")
	v.SetDefault("links.serial.baud_rate", 115200)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "weft")
	v.SetDefault("observability.service_version", "dev")
}

// BindStartFlags binds cobra flags to viper for the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.StringSlice("listen", nil, "endpoints to listen on (e.g. tcp/0.0.0.0:7447)")
	f.StringSlice("connect", nil, "endpoints to connect to at startup")
	f.String("config", "", "config file path")
	f.String("zid", "", "local identity as hex (default random)")
	f.Duration("lease", 0, "session lease interval")
	f.Bool("multilink", true, "negotiate multi-link session bonding")
	f.Bool("compression", false, "negotiate batch compression")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("listen", f.Lookup("listen"))
	_ = v.BindPFlag("connect", f.Lookup("connect"))
	_ = v.BindPFlag("zid", f.Lookup("zid"))
	_ = v.BindPFlag("transport.lease", f.Lookup("lease"))
	_ = v.BindPFlag("transport.multilink", f.Lookup("multilink"))
	_ = v.BindPFlag("transport.compression", f.Lookup("compression"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged
// Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("weft")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.weft")
		v.AddConfigPath("/etc/weft")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
