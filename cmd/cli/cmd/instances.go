package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopboxhq/shopbox/pkg/client"
	"github.com/shopboxhq/shopbox/pkg/types"
)

var instancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"inst"},
	Short:   "Manage sandbox instances",
	Long:    `Provision, list, inspect, and tear down sandbox instances.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOwner(); err != nil {
			return err
		}

		env, _ := cmd.Flags().GetStringToString("env")

		c := client.NewClient(baseURL, apiKey, ownerID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		inst, err := c.CreateInstance(ctx, types.CreateRequest{Env: env})
		if err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		fmt.Printf("✓ Instance created: %s\n", inst.ID)
		fmt.Printf("  Status: %s\n", inst.Status)
		fmt.Printf("  Port: %d\n", inst.Port)
		fmt.Printf("  URL: %s\n", inst.URL)

		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOwner(); err != nil {
			return err
		}

		activeOnly, _ := cmd.Flags().GetBool("active")

		c := client.NewClient(baseURL, apiKey, ownerID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		instances, err := c.ListInstances(ctx, activeOnly)
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		if len(instances) == 0 {
			fmt.Println("No instances found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPORT\tURL\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				inst.ID, inst.Status, inst.Port, inst.URL,
				inst.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <instance-id>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOwner(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, ownerID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		inst, err := c.GetInstance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get instance: %w", err)
		}

		fmt.Printf("ID:        %s\n", inst.ID)
		fmt.Printf("Status:    %s\n", inst.Status)
		fmt.Printf("Port:      %d\n", inst.Port)
		fmt.Printf("URL:       %s\n", inst.URL)
		fmt.Printf("Container: %s\n", inst.ContainerName)
		fmt.Printf("Created:   %s\n", inst.CreatedAt.Local().Format(time.RFC3339))
		if inst.StoppedAt != nil {
			fmt.Printf("Stopped:   %s\n", inst.StoppedAt.Local().Format(time.RFC3339))
		}
		if inst.ErrorMsg != "" {
			fmt.Printf("Error:     %s\n", inst.ErrorMsg)
		}

		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <instance-id>",
	Aliases: []string{"rm"},
	Short:   "Tear down an instance",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOwner(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey, ownerID)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.DeleteInstance(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete instance: %w", err)
		}

		fmt.Printf("✓ Instance deleted: %s\n", args[0])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <instance-id>",
	Short: "Show instance container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOwner(); err != nil {
			return err
		}

		tail, _ := cmd.Flags().GetInt("tail")

		c := client.NewClient(baseURL, apiKey, ownerID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logs, err := c.InstanceLogs(ctx, args[0], tail)
		if err != nil {
			return fmt.Errorf("failed to fetch logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

func init() {
	createCmd.Flags().StringToString("env", nil, "Environment variables to inject (key=value)")
	listCmd.Flags().Bool("active", false, "Only show creating/running instances")
	logsCmd.Flags().Int("tail", 200, "Number of log lines to fetch")

	instancesCmd.AddCommand(createCmd)
	instancesCmd.AddCommand(listCmd)
	instancesCmd.AddCommand(getCmd)
	instancesCmd.AddCommand(deleteCmd)
	instancesCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(instancesCmd)
}
