package run

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jiaming2012/tracebus/src/eventmodels"
	"github.com/jiaming2012/tracebus/src/eventpubsub"
	"github.com/jiaming2012/tracebus/src/telemetry"
	"github.com/jiaming2012/tracebus/src/utils"
)

const Version = "0.1.0"

const (
	CollectorEnv = "TRACEBUS_COLLECTOR"
	ModeEnv      = "TRACEBUS_MODE"
)

// ConfigYAML is the layout of the --config file. Every key is optional.
type ConfigYAML struct {
	Mode              string   `yaml:"mode"`
	Peers             []string `yaml:"peer"`
	Listeners         []string `yaml:"listener"`
	Collector         string   `yaml:"collector"`
	CollectorProtocol string   `yaml:"collector_protocol"`
	Action            string   `yaml:"action"`
	Envelope          string   `yaml:"envelope"`
	Metrics           *bool    `yaml:"metrics"`
	LogLevel          string   `yaml:"log_level"`
}

func LoadConfigFile(path string) (ConfigYAML, error) {
	var cfg ConfigYAML

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
	}

	return cfg, nil
}

type RunArgs struct {
	Role      eventmodels.Role
	Bus       eventpubsub.Config
	Telemetry telemetry.Config
	Codec     eventmodels.EnvelopeCodec
	LogLevel  log.Level
}

func defaultConfig() ConfigYAML {
	metrics := false

	return ConfigYAML{
		Mode:              utils.GetEnvOrDefault(ModeEnv, string(eventpubsub.PeerMode)),
		Collector:         utils.GetEnvOrDefault(CollectorEnv, telemetry.DefaultCollector),
		CollectorProtocol: string(telemetry.ProtocolHTTP),
		Action:            string(eventmodels.SensorRole),
		Envelope:          eventmodels.JSONEnvelopeCodec{}.Name(),
		Metrics:           &metrics,
		LogLevel:          log.InfoLevel.String(),
	}
}

// merge overlays the non-empty values of src onto dst.
func merge(dst *ConfigYAML, src ConfigYAML) {
	if src.Mode != "" {
		dst.Mode = src.Mode
	}
	if len(src.Peers) > 0 {
		dst.Peers = src.Peers
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.Collector != "" {
		dst.Collector = src.Collector
	}
	if src.CollectorProtocol != "" {
		dst.CollectorProtocol = src.CollectorProtocol
	}
	if src.Action != "" {
		dst.Action = src.Action
	}
	if src.Envelope != "" {
		dst.Envelope = src.Envelope
	}
	if src.Metrics != nil {
		dst.Metrics = src.Metrics
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// flagConfig collects the flags that were set explicitly on cmd.
func flagConfig(cmd *cobra.Command) (ConfigYAML, error) {
	var cfg ConfigYAML
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"mode":               &cfg.Mode,
		"collector":          &cfg.Collector,
		"collector-protocol": &cfg.CollectorProtocol,
		"action":             &cfg.Action,
		"envelope":           &cfg.Envelope,
		"log-level":          &cfg.LogLevel,
	}

	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}

		value, err := flags.GetString(name)
		if err != nil {
			return cfg, fmt.Errorf("error getting %s: %w", name, err)
		}
		*dst = value
	}

	arrayFlags := map[string]*[]string{
		"peer":     &cfg.Peers,
		"listener": &cfg.Listeners,
	}

	for name, dst := range arrayFlags {
		if !flags.Changed(name) {
			continue
		}

		values, err := flags.GetStringArray(name)
		if err != nil {
			return cfg, fmt.Errorf("error getting %s: %w", name, err)
		}
		*dst = values
	}

	if flags.Changed("metrics") {
		metrics, err := flags.GetBool("metrics")
		if err != nil {
			return cfg, fmt.Errorf("error getting metrics: %w", err)
		}
		cfg.Metrics = &metrics
	}

	return cfg, nil
}

// ResolveArgs layers defaults, the optional config file and explicit flags,
// in that order, and validates the result.
func ResolveArgs(cmd *cobra.Command) (RunArgs, error) {
	cfg := defaultConfig()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return RunArgs{}, fmt.Errorf("error getting config: %w", err)
	}

	if configPath != "" {
		fileCfg, err := LoadConfigFile(configPath)
		if err != nil {
			return RunArgs{}, err
		}
		merge(&cfg, fileCfg)
	}

	flagCfg, err := flagConfig(cmd)
	if err != nil {
		return RunArgs{}, err
	}
	merge(&cfg, flagCfg)

	return cfg.toRunArgs()
}

func (cfg ConfigYAML) toRunArgs() (RunArgs, error) {
	role, err := eventmodels.ParseRole(cfg.Action)
	if err != nil {
		return RunArgs{}, err
	}

	mode := eventpubsub.Mode(cfg.Mode)
	switch mode {
	case eventpubsub.PeerMode, eventpubsub.ClientMode, eventpubsub.LocalMode:
	default:
		return RunArgs{}, fmt.Errorf("%w: %q", eventmodels.ErrUnknownMode, cfg.Mode)
	}

	protocol := telemetry.Protocol(cfg.CollectorProtocol)
	switch protocol {
	case telemetry.ProtocolHTTP, telemetry.ProtocolGRPC:
	default:
		return RunArgs{}, fmt.Errorf("unknown collector protocol %q", cfg.CollectorProtocol)
	}

	codec, err := eventmodels.NewEnvelopeCodec(cfg.Envelope)
	if err != nil {
		return RunArgs{}, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return RunArgs{}, fmt.Errorf("invalid log level: %w", err)
	}

	return RunArgs{
		Role: role,
		Bus: eventpubsub.Config{
			Mode:      mode,
			Peers:     cfg.Peers,
			Listeners: cfg.Listeners,
		},
		Telemetry: telemetry.Config{
			ServiceName:    string(role),
			ServiceVersion: Version,
			Collector:      cfg.Collector,
			Protocol:       protocol,
			Metrics:        cfg.Metrics != nil && *cfg.Metrics,
		},
		Codec:    codec,
		LogLevel: level,
	}, nil
}
