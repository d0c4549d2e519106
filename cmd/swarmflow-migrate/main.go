package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stanchev/swarmflow/internal/config"
)

var rootCmd = &cobra.Command{Use: "swarmflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		// Load .env if present
		if err := godotenv.Load(); err != nil {
			fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
		}

		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			var err error
			connStr, err = config.DBConnStr()
			if err != nil {
				fmt.Printf("Error: --db flag or complete DB_* env vars required: %v\n", err)
				os.Exit(1)
			}
		}

		m, err := migrate.New("file://migrations", connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
		}
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			var err error
			connStr, err = config.DBConnStr()
			if err != nil {
				fmt.Printf("Error: --db flag or complete DB_* env vars required: %v\n", err)
				os.Exit(1)
			}
		}
		m, err := migrate.New("file://migrations", connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migration rolled back successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd, downCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	downCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
