package main

import (
	"flag"

	"github.com/danmuck/intentlink/internal/config"
	"github.com/danmuck/intentlink/internal/observability"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/configgen/endpoint.toml"

func main() {
	observability.InitLogger("configgen")

	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		if _, err := cfg.NewEndpoint(); err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config does not build an endpoint")
		}
		log.Info().
			Str("path", *input).
			Str("endpoint", cfg.Endpoint).
			Int("peers", len(cfg.Peers)).
			Int("capabilities", len(cfg.Capabilities)).
			Int("rules", len(cfg.Firewall.Rules)).
			Msg("validated config")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("path", *output).Msg("wrote config template")
}
