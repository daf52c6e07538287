package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a sample for analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	serverFlags(submitCmd)
	submitCmd.Flags().StringSlice("vm", nil, "VM names to run against (default: every configured VM)")
	submitCmd.Flags().Int("timeout", 0, "per-task timeout in seconds (default: server's analysis.per_vm_timeout)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	addr, apiKey, err := serverAddr(cmd)
	if err != nil {
		return err
	}
	vms, _ := cmd.Flags().GetStringSlice("vm")
	timeout, _ := cmd.Flags().GetInt("timeout")

	body, contentType, err := buildSubmitBody(args[0], vms, timeout)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(addr, "/")+"/api/analyze", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("submit: decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit: server returned %s: %s", resp.Status, out.Error)
	}

	fmt.Printf("%s\t%s\n", out.TaskID, out.Status)
	return nil
}

// buildSubmitBody streams file onto a multipart body alongside the
// optional vm_names/timeout fields the HTTP API's handleAnalyze reads.
func buildSubmitBody(path string, vms []string, timeoutSeconds int) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}

	if len(vms) > 0 {
		if err := w.WriteField("vm_names", strings.Join(vms, ",")); err != nil {
			return nil, "", err
		}
	}
	if timeoutSeconds > 0 {
		if err := w.WriteField("timeout", strconv.Itoa(timeoutSeconds)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
