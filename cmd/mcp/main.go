// FiatBridge operator MCP server - exposes admin operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

type config struct {
	APIURL string `env:"FIATBRIDGE_API_URL" envDefault:"http://localhost:8080"`
	Token  string `env:"FIATBRIDGE_TOKEN"`

	// Without FIATBRIDGE_TOKEN an admin token is signed locally.
	JWTSecret  string        `env:"JWT_SECRET"`
	JWTIssuer  string        `env:"JWT_ISSUER" envDefault:"fiatbridge"`
	OperatorID string        `env:"FIATBRIDGE_OPERATOR_ID" envDefault:"mcp-operator"`
	TokenTTL   time.Duration `env:"FIATBRIDGE_TOKEN_TTL" envDefault:"12h"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(1)
	}

	token, err := bearer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: cfg.APIURL, Token: token}, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func bearer(cfg config) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("FIATBRIDGE_TOKEN or JWT_SECRET is required")
	}
	return auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer).Issue(auth.Identity{
		UserID: cfg.OperatorID,
		Role:   auth.RoleAdmin,
	}, cfg.TokenTTL)
}
