// Loan manager MCP server - exposes read-only portfolio queries as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/config"
	"github.com/mbd888/loanmanager/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("LOANMANAGER_API_URL", config.DefaultAPIURL),
	}

	// Prefer the delegate secret: the MCP surface only reads.
	switch {
	case os.Getenv("DELEGATE_SECRET") != "":
		cfg.OperatorHeader, cfg.OperatorSecret = auth.DelegateHeader, os.Getenv("DELEGATE_SECRET")
	case os.Getenv("GOVERNOR_SECRET") != "":
		cfg.OperatorHeader, cfg.OperatorSecret = auth.GovernorHeader, os.Getenv("GOVERNOR_SECRET")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
