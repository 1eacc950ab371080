// SPDX-License-Identifier: Apache-2.0

// Package config loads each process's configuration: flags bound into
// viper, an optional YAML config file, and USBIPICE_-prefixed environment
// variables. Flags given on the command line win over environment
// variables, which win over the config file; flag defaults apply last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogLevelAll   = "all"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	LogLevelAll,
	LogLevelDebug,
	LogLevelInfo,
	LogLevelWarn,
	LogLevelError,
	LogLevelNone,
}, ", ")

// NewLogger builds the process logger: JSON to stdout with a level filter.
func NewLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case LogLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case LogLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case LogLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case LogLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case LogLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case LogLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// newViper wires a flag set into a fresh viper instance with the config-file
// search and env handling shared by all three processes.
func newViper(fs *flag.FlagSet, args []string, cfgFile *string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/usbipice/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("usbipice")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Worker is the worker process configuration.
type Worker struct {
	Name               string
	Database           string
	ControlServer      string
	ServerPort         int
	VirtualIP          string
	VirtualPort        int
	DefaultFirmware    string
	PulseCountFirmware string
	MediaBase          string
	LogLevel           string
}

// LoadWorker parses flags, config file and environment for the worker.
func LoadWorker(args []string) (Worker, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("worker-name", "", "Unique name of this worker. Falls back to the hostname.")
	fs.String("database", "", "Store DSN (sqlite path or memory://).")
	fs.String("control-server", "", "Base URL of the control server.")
	fs.Int("server-port", 8081, "Port the worker's HTTP server listens on.")
	fs.String("virtual-ip", "", "IP advertised to clients for usbip attachments.")
	fs.Int("virtual-port", 3240, "usbip daemon port advertised to clients.")
	fs.String("default-firmware", "", "Path to the default firmware image.")
	fs.String("pulse-count-firmware", "", "Path to the pulse-count firmware image.")
	fs.String("media-base", "worker_media", "Directory for per-device mount and media scratch space.")
	fs.String("log-level", LogLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))

	v, err := newViper(fs, args, cfgFile)
	if err != nil {
		return Worker{}, err
	}
	// The historical environment names don't all match the flag names.
	_ = v.BindEnv("worker-name", "USBIPICE_WORKER_NAME")
	_ = v.BindEnv("database", "USBIPICE_DATABASE")
	_ = v.BindEnv("control-server", "USBIPICE_CONTROL_SERVER")
	_ = v.BindEnv("server-port", "USBIPICE_SERVER_PORT")
	_ = v.BindEnv("virtual-ip", "USBIPICE_VIRTUAL_IP")
	_ = v.BindEnv("virtual-port", "USBIPICE_VIRTUAL_PORT")
	_ = v.BindEnv("default-firmware", "USBIPICE_DEFAULT")
	_ = v.BindEnv("pulse-count-firmware", "USBIPICE_PULSE_COUNT")

	cfg := Worker{
		Name:               v.GetString("worker-name"),
		Database:           v.GetString("database"),
		ControlServer:      v.GetString("control-server"),
		ServerPort:         v.GetInt("server-port"),
		VirtualIP:          v.GetString("virtual-ip"),
		VirtualPort:        v.GetInt("virtual-port"),
		DefaultFirmware:    v.GetString("default-firmware"),
		PulseCountFirmware: v.GetString("pulse-count-firmware"),
		MediaBase:          v.GetString("media-base"),
		LogLevel:           v.GetString("log-level"),
	}

	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	if cfg.Name == "" {
		return Worker{}, fmt.Errorf("worker-name not set and no hostname available")
	}
	if cfg.Database == "" {
		return Worker{}, fmt.Errorf("database not configured; set USBIPICE_DATABASE or --database")
	}
	if cfg.VirtualIP == "" {
		return Worker{}, fmt.Errorf("virtual-ip not configured")
	}
	if cfg.DefaultFirmware == "" {
		return Worker{}, fmt.Errorf("default-firmware not configured")
	}
	return cfg, nil
}

// Control is the control process configuration.
type Control struct {
	Database string
	Port     int
	LogLevel string

	HeartbeatPeriod  time.Duration
	TimeoutPeriod    time.Duration
	ExpirePeriod     time.Duration
	EndingSoonPeriod time.Duration
	WorkerTimeout    time.Duration
	NotifyWindow     time.Duration

	ReserveDuration time.Duration
	ExtendDuration  time.Duration
}

// LoadControl parses flags, config file and environment for control.
func LoadControl(args []string) (Control, error) {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("database", "", "Store DSN (sqlite path or memory://).")
	fs.Int("control-port", 8080, "Port the control HTTP server listens on.")
	fs.Duration("heartbeat-period", 15*time.Second, "Worker heartbeat probe period.")
	fs.Duration("timeout-period", 15*time.Second, "Worker timeout sweep period.")
	fs.Duration("expire-period", 30*time.Second, "Reservation expiry sweep period.")
	fs.Duration("ending-soon-period", 300*time.Second, "Ending-soon notification sweep period.")
	fs.Duration("worker-timeout", 60*time.Second, "How long a worker may miss heartbeats before failover.")
	fs.Duration("notify-window", 20*time.Minute, "How far ahead of expiry the ending-soon notification fires.")
	fs.Duration("reserve-duration", time.Hour, "Lifetime of a fresh reservation.")
	fs.Duration("extend-duration", time.Hour, "Lifetime added by an extension.")
	fs.String("log-level", LogLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))

	v, err := newViper(fs, args, cfgFile)
	if err != nil {
		return Control{}, err
	}
	_ = v.BindEnv("database", "USBIPICE_DATABASE")
	_ = v.BindEnv("control-port", "USBIPICE_CONTROL_PORT")

	cfg := Control{
		Database:         v.GetString("database"),
		Port:             v.GetInt("control-port"),
		LogLevel:         v.GetString("log-level"),
		HeartbeatPeriod:  v.GetDuration("heartbeat-period"),
		TimeoutPeriod:    v.GetDuration("timeout-period"),
		ExpirePeriod:     v.GetDuration("expire-period"),
		EndingSoonPeriod: v.GetDuration("ending-soon-period"),
		WorkerTimeout:    v.GetDuration("worker-timeout"),
		NotifyWindow:     v.GetDuration("notify-window"),
		ReserveDuration:  v.GetDuration("reserve-duration"),
		ExtendDuration:   v.GetDuration("extend-duration"),
	}
	if cfg.Database == "" {
		return Control{}, fmt.Errorf("database not configured; set USBIPICE_DATABASE or --database")
	}
	return cfg, nil
}

// Client is the client CLI configuration.
type Client struct {
	Name          string
	ControlServer string
	Amount        int
	Firmware      string
	LogLevel      string
}

// LoadClient parses flags, config file and environment for the client CLI.
func LoadClient(args []string) (Client, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("client-name", "", "Client identity used for reservations. Falls back to the hostname.")
	fs.String("control-server", "", "Base URL of the control server.")
	fs.Int("amount", 1, "Number of devices to reserve.")
	fs.String("firmware", "", "Optional firmware image to flash onto reserved devices.")
	fs.String("log-level", LogLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))

	v, err := newViper(fs, args, cfgFile)
	if err != nil {
		return Client{}, err
	}
	_ = v.BindEnv("control-server", "USBIPICE_CONTROL_SERVER")

	cfg := Client{
		Name:          v.GetString("client-name"),
		ControlServer: v.GetString("control-server"),
		Amount:        v.GetInt("amount"),
		Firmware:      v.GetString("firmware"),
		LogLevel:      v.GetString("log-level"),
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	if cfg.Name == "" {
		return Client{}, fmt.Errorf("client-name not set and no hostname available")
	}
	if cfg.ControlServer == "" {
		return Client{}, fmt.Errorf("control-server not configured; set USBIPICE_CONTROL_SERVER or --control-server")
	}
	return cfg, nil
}
