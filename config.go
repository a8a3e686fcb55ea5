// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	serial "github.com/hootrhino/goserial"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file layout.
type Config struct {
	TCP struct {
		Address    string `yaml:"address"`
		Transport  string `yaml:"transport"` // tcp or udp
		Strategy   string `yaml:"strategy"`  // singleton, exclusive or per_request
		Timeout    string `yaml:"timeout"`
		TLS        bool   `yaml:"tls"`
		ServerName string `yaml:"server_name"`
		CAFile     string `yaml:"ca_file"`
	} `yaml:"tcp"`

	Serial struct {
		Address      string `yaml:"address"`
		BaudRate     int    `yaml:"baud_rate"`
		DataBits     int    `yaml:"data_bits"`
		StopBits     int    `yaml:"stop_bits"`
		Parity       string `yaml:"parity"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"serial"`

	Server struct {
		Listen   string  `yaml:"listen"`
		Units    []uint8 `yaml:"units"`
		CertFile string  `yaml:"cert_file"`
		KeyFile  string  `yaml:"key_file"`
	} `yaml:"server"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		Topic    string `yaml:"topic"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		QoS      byte   `yaml:"qos"`
		Retain   bool   `yaml:"retain"`
	} `yaml:"mqtt"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadedConfig is a Config with defaults applied and durations parsed.
type LoadedConfig struct {
	Config

	tcpTimeout   time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*LoadedConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML configuration bytes.
func ParseConfig(b []byte) (*LoadedConfig, error) {
	var cfg LoadedConfig
	if err := yaml.Unmarshal(b, &cfg.Config); err != nil {
		return nil, err
	}
	if err := parseConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", name, value, err)
	}
	return d, nil
}

func parseConfig(cfg *LoadedConfig) error {
	if cfg.TCP.Address == "" {
		cfg.TCP.Address = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultTCPPort))
	}
	if cfg.TCP.Transport == "" {
		cfg.TCP.Transport = "tcp"
	}
	if cfg.TCP.Transport != "tcp" && cfg.TCP.Transport != "udp" {
		return fmt.Errorf("invalid tcp transport %q", cfg.TCP.Transport)
	}
	switch cfg.TCP.Strategy {
	case "":
		cfg.TCP.Strategy = "singleton"
	case "singleton", "exclusive", "per_request":
	default:
		return fmt.Errorf("invalid connection strategy %q", cfg.TCP.Strategy)
	}

	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 9600
	}
	if cfg.Serial.DataBits == 0 {
		cfg.Serial.DataBits = 8
	}
	if cfg.Serial.StopBits == 0 {
		cfg.Serial.StopBits = 1
	}
	if cfg.Serial.Parity == "" {
		cfg.Serial.Parity = "N"
	}

	if cfg.Server.Listen == "" {
		port := DefaultTCPPort
		if cfg.Server.CertFile != "" {
			port = DefaultSecureTCPPort
		}
		cfg.Server.Listen = ":" + strconv.Itoa(port)
	}
	if len(cfg.Server.Units) == 0 {
		cfg.Server.Units = []uint8{1}
	}
	for _, unit := range cfg.Server.Units {
		if unit == UnitBroadcast {
			return fmt.Errorf("unit %d is reserved for broadcast", UnitBroadcast)
		}
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return fmt.Errorf("server cert_file and key_file must be set together")
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "nmodbus"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "modbus/events"
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}

	var err error
	if cfg.tcpTimeout, err = parseDuration("tcp timeout", cfg.TCP.Timeout, 5*time.Second); err != nil {
		return err
	}
	defaults := DefaultRTUConfig()
	if cfg.readTimeout, err = parseDuration("serial read_timeout", cfg.Serial.ReadTimeout, defaults.ReadTimeout); err != nil {
		return err
	}
	if cfg.writeTimeout, err = parseDuration("serial write_timeout", cfg.Serial.WriteTimeout, defaults.WriteTimeout); err != nil {
		return err
	}
	return nil
}

// TCPTimeout is the per-request timeout for TCP clients.
func (cfg *LoadedConfig) TCPTimeout() time.Duration {
	return cfg.tcpTimeout
}

// RTUConfig returns the serial timing settings.
func (cfg *LoadedConfig) RTUConfig() RTUConfig {
	return RTUConfig{
		BaudRate:     cfg.Serial.BaudRate,
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
	}
}

// StreamFactory builds the stream factory described by the tcp section.
func (cfg *LoadedConfig) StreamFactory() (StreamFactory, error) {
	dialer := net.Dialer{Timeout: cfg.tcpTimeout}
	if cfg.TCP.Transport == "udp" {
		return &UDPStreamFactory{Address: cfg.TCP.Address, Dialer: dialer}, nil
	}
	factory := &TCPStreamFactory{Address: cfg.TCP.Address, Dialer: dialer}
	if cfg.TCP.TLS {
		tlsConfig, err := cfg.clientTLSConfig()
		if err != nil {
			return nil, err
		}
		factory.TLSConfig = tlsConfig
	}
	return factory, nil
}

func (cfg *LoadedConfig) clientTLSConfig() (*tls.Config, error) {
	serverName := cfg.TCP.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.TCP.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid tcp address %q: %w", cfg.TCP.Address, err)
		}
		serverName = host
	}
	tlsConfig := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if cfg.TCP.CAFile != "" {
		pem, err := os.ReadFile(cfg.TCP.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TCP.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// NewTCPClientTransport builds the MBAP client transport described by the tcp section.
func NewTCPClientTransport(cfg *LoadedConfig, opts ...Option) (*IPClientTransport, error) {
	factory, err := cfg.StreamFactory()
	if err != nil {
		return nil, err
	}
	var strategy ConnectionStrategy
	switch cfg.TCP.Strategy {
	case "exclusive":
		strategy = NewExclusiveStreamStrategy(factory)
	case "per_request":
		strategy = NewStreamPerRequestStrategy(factory)
	default:
		strategy = NewSingletonStreamStrategy(factory)
	}
	return NewIPClientTransport(strategy, opts...), nil
}

// OpenSerial opens the serial port described by the serial section.
func OpenSerial(cfg *LoadedConfig, opts ...Option) (*SerialTransport, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Serial.Address,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
		Timeout:  cfg.readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Serial.Address, err)
	}
	return NewSerialTransport(port, cfg.RTUConfig(), opts...), nil
}

// ListenTCP opens the server listener, with TLS when a certificate is configured.
func ListenTCP(cfg *LoadedConfig) (net.Listener, error) {
	if cfg.Server.CertFile == "" {
		return net.Listen("tcp", cfg.Server.Listen)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return tls.Listen("tcp", cfg.Server.Listen, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// NewServerNetworkFromConfig registers a basic server with its own in-memory
// storage for every configured unit.
func NewServerNetworkFromConfig(cfg *LoadedConfig, opts ...Option) (*ServerNetwork, error) {
	network := NewServerNetwork(opts...)
	for _, unit := range cfg.Server.Units {
		if !network.AddServer(NewBasicServer(unit, NewDeviceStorage(), nil, opts...)) {
			return nil, fmt.Errorf("unit %d configured twice", unit)
		}
	}
	return network, nil
}
