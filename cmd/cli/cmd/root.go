package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
	ownerID string
)

var rootCmd = &cobra.Command{
	Use:   "shopbox",
	Short: "Shopbox CLI - Manage sandbox instances from the command line",
	Long: `Shopbox CLI is a command-line tool for managing disposable e-commerce
API sandboxes. It provides commands to provision, inspect, and tear down
instances, and to read their container logs.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("SHOPBOX_API_URL", "http://localhost:8080"), "Shopbox API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SHOPBOX_API_KEY"), "Shopbox API key")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("SHOPBOX_OWNER_ID"), "Owner identity to act as")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkOwner() error {
	if ownerID == "" {
		return fmt.Errorf("owner is required. Set SHOPBOX_OWNER_ID environment variable or use --owner flag")
	}
	return nil
}
