package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/rzbill/courier/internal/cmd/cli"
)

func main() {
	// .env files are optional; values already in the environment win
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			fmt.Fprintf(os.Stderr, "courier: load %s: %v\n", file, err)
			os.Exit(1)
		}
	}

	if err := cli.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "courier:", err)
		os.Exit(1)
	}
}
