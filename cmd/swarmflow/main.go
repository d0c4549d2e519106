package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stanchev/swarmflow/internal/cli"
)

var rootCmd = &cobra.Command{Use: "swarmflow"}

func main() {
	// Load .env if present
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using flags/env.\n", err)
	}
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
