// Command token mints a bearer token for local use. Users and services are
// managed outside this system, so the API never issues tokens itself.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/auth"
)

type tokenConfig struct {
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`
}

func main() {
	var (
		subject = flag.String("sub", "", "user or service id; a new one is generated when empty")
		kind    = flag.String("kind", "user", "user or service")
		expiry  = flag.Duration("expiry", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	cfg, err := env.ParseAs[tokenConfig]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	id := uuid.New()
	if *subject != "" {
		if id, err = uuid.Parse(*subject); err != nil {
			slog.Error("invalid subject", "sub", *subject, "error", err)
			os.Exit(1)
		}
	}
	if *kind != "user" && *kind != "service" {
		slog.Error("kind must be user or service", "kind", *kind)
		os.Exit(1)
	}

	token, err := auth.GenerateToken(id, *kind, cfg.JWTSecret, *expiry)
	if err != nil {
		slog.Error("failed to sign token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
