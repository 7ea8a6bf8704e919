package main

import (
	"fmt"
	"os"

	"github.com/bit2swaz/sosmesh/internal/config"
)

func main() {
	cfg := config.Default()
	if err := cfg.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid environment: %v\n", err)
		os.Exit(1)
	}
	Execute(&cfg)
}
