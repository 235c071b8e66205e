package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sicko7947/stepflow/example/walkthrough"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	o, err := walkthrough.NewOrchestrator(log.Logger.Level(zerolog.WarnLevel), os.Stdout, true)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	listing, err := o.ListProperty(ctx, "front.jpg", "kitchen.jpg", "bedroom.jpg", "floorplan.pdf")
	if err != nil {
		log.Fatal().Err(err).Msg("Property listing failed")
	}

	code := listing.FieldString("propertyCode")
	if _, _, err := o.VerifyTenant(ctx, code, "R-2026-0042"); err != nil {
		log.Fatal().Err(err).Msg("Tenant verification failed")
	}

	// a second session for the same reservation skips straight to complete
	if _, _, err := o.VerifyTenant(ctx, code, "R-2026-0042"); err != nil {
		log.Fatal().Err(err).Msg("Tenant verification failed")
	}
}
