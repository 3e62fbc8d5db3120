package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"

	"github.com/jiaming2012/tracebus/src/eventpubsub"
	"github.com/jiaming2012/tracebus/src/telemetry"
	"github.com/jiaming2012/tracebus/src/utils"
)

func setupLogging(level log.Level) {
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	)))
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tracebus --action computing --peer tcp/localhost:7447",
		Short:         "Run one stage of the traced sensor pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}

			if err := utils.InitEnvironmentVariables(envFile); err != nil {
				return err
			}

			args, err := ResolveArgs(cmd)
			if err != nil {
				return err
			}

			setupLogging(args.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := Exec(ctx, args, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				log.Errorf("Error: %v", err)
				return err
			}

			log.Info("Done")
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("mode", "m", string(eventpubsub.PeerMode), "The session mode: peer, client or local.")
	flags.StringArrayP("peer", "e", nil, "Peer locators used to initiate the session.")
	flags.StringArrayP("listener", "l", nil, "Locators to listen on.")
	flags.StringP("config", "c", "", "A YAML configuration file.")
	flags.StringP("collector", "o", telemetry.DefaultCollector, "The address of the OTLP collector.")
	flags.String("collector-protocol", string(telemetry.ProtocolHTTP), "The OTLP protocol: http or grpc.")
	flags.StringP("action", "a", "sensor", "The action of the node: sensor, computing or motion.")
	flags.String("envelope", "json", "The envelope codec: json or bare.")
	flags.Bool("metrics", false, "Export stage and runtime metrics to the collector.")
	flags.String("log-level", "info", "The log level.")
	flags.String("env-file", utils.DEFAULT_ENV_FILENAME, "An optional .env file loaded before the flags are resolved.")

	return cmd
}

// Execute runs the tracebus command with a background context.
func Execute() error {
	return NewCommand().ExecuteContext(context.Background())
}
