package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task <taskId>",
	Short: "Print a task's current status and per-VM results",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	serverFlags(taskCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	return getAndPrint(cmd, "/api/task/"+args[0])
}

// getAndPrint issues an authenticated GET against path on --server and
// pretty-prints the JSON body, mirroring the teacher's plain fmt.Printf
// reporting style rather than a templating engine.
func getAndPrint(cmd *cobra.Command, path string) error {
	addr, apiKey, err := serverAddr(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(addr, "/")+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("get %s: decode response: %w", path, err)
	}

	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(pretty))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
