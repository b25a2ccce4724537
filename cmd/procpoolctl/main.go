// Command procpoolctl is a thin HTTP CLI client for procpoold: submit
// tasks, list running/queued work, inspect a task, and interact with
// (terminate/pause/resume) a running task.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jsdrews/procpoold/pkg/client"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "procpoolctl",
	Short: "procpoolctl - CLI for the process pool daemon's HTTP API",
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "procpoold base URL")

	rootCmd.AddCommand(submitCmd, runningCmd, queuedCmd, getCmd, interactCmd)

	submitCmd.Flags().StringSlice("cmd", nil, "command and arguments to run (required)")
	submitCmd.Flags().Int("priority", 0, "task priority (lower runs first; 0 means default)")
	submitCmd.Flags().String("log", "", "path to write the task's stdout")
	submitCmd.MarkFlagRequired("cmd")

	runningCmd.Flags().Bool("full", false, "return the full task document instead of the slim projection")
	queuedCmd.Flags().Bool("full", false, "return the full task document instead of the slim projection")
	getCmd.Flags().Bool("full", false, "return the full task document instead of the slim projection")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	return client.NewClient(server)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to format output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task for execution",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		cmdArgs, _ := cmd.Flags().GetStringSlice("cmd")
		priority, _ := cmd.Flags().GetInt("priority")
		logPath, _ := cmd.Flags().GetString("log")

		req := map[string]any{"cmd": cmdArgs}
		if priority != 0 {
			req["priority"] = priority
		}
		if logPath != "" {
			req["log"] = logPath
		}

		out, err := c.Submit(context.Background(), "/proc_pool/tasks/add", []map[string]any{req})
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var runningCmd = &cobra.Command{
	Use:   "running",
	Short: "List currently-running tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		full, _ := cmd.Flags().GetBool("full")
		out, err := c.Running(context.Background(), "/proc_pool/tasks/running", full)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var queuedCmd = &cobra.Command{
	Use:   "queued",
	Short: "List currently-queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		full, _ := cmd.Flags().GetBool("full")
		out, err := c.Queued(context.Background(), "/proc_pool/tasks/queued", full)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Fetch a single task by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		full, _ := cmd.Flags().GetBool("full")
		out, err := c.Get(context.Background(), "/proc_pool/task/"+args[0], full)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var interactCmd = &cobra.Command{
	Use:   "interact ID ACTION",
	Short: "Send an interact action (e.g. terminate, pause, resume) to a running task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Interact(context.Background(), "/proc_pool/task/"+args[0]+"/interact", args[1])
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}
