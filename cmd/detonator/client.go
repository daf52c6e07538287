package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serverFlags registers the --server/--api-key pair shared by every
// subcommand that talks to a running `detonator serve` process instead
// of the local config file.
func serverFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://localhost:8080", "base URL of a running detonator serve process")
	cmd.Flags().String("api-key", "", "X-API-Key header value, if the server requires one")
}

func serverAddr(cmd *cobra.Command) (addr, apiKey string, err error) {
	addr, err = cmd.Flags().GetString("server")
	if err != nil {
		return "", "", err
	}
	apiKey, _ = cmd.Flags().GetString("api-key")
	if addr == "" {
		return "", "", fmt.Errorf("--server must not be empty")
	}
	return addr, apiKey, nil
}
