package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tracebus/src/eventpubsub"
	"github.com/jiaming2012/tracebus/src/eventstages"
	"github.com/jiaming2012/tracebus/src/telemetry"
	"github.com/jiaming2012/tracebus/src/utils"
)

const shutdownTimeout = 5 * time.Second

// Exec runs one stage until it finishes. The subscription is closed before
// the session, and telemetry is flushed and shut down exactly once after
// the stage has returned.
func Exec(ctx context.Context, args RunArgs, stdin io.Reader, stdout io.Writer) error {
	tel, err := telemetry.New(ctx, args.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	return execWith(ctx, args, tel, stdin, stdout)
}

func execWith(ctx context.Context, args RunArgs, tel *telemetry.Telemetry, stdin io.Reader, stdout io.Writer) (err error) {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if flushErr := tel.ForceFlush(shutdownCtx); flushErr != nil {
			log.Warnf("failed to flush telemetry: %v", flushErr)
		}

		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shut down telemetry: %w", shutdownErr))
		}
	}()

	session, err := eventpubsub.Connect(ctx, args.Bus)
	if err != nil {
		return fmt.Errorf("failed to open %s session: %w", args.Bus.Mode, err)
	}

	stage, err := eventstages.New(args.Role, session, tel,
		eventstages.WithCodec(args.Codec),
		eventstages.WithOutput(stdout),
	)
	if err != nil {
		return errors.Join(err, session.Close())
	}

	log.WithFields(log.Fields{
		"role":     stage.Role(),
		"mode":     args.Bus.Mode,
		"envelope": args.Codec.Name(),
	}).Info("starting stage")

	stop := utils.StopOnSentinel(stdin, utils.StopSentinel)
	runErr := stage.Run(ctx, stop)

	if closeErr := session.Close(); closeErr != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to close session: %w", closeErr))
	}

	stage.WriteSummary(stdout)

	return runErr
}
