package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ota-agent/internal/config"
	"ota-agent/internal/engine"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStatusCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the update engine status of the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Agent.APIPort <= 0 {
				return fmt.Errorf("local API is disabled (agent.api_port)")
			}

			status, err := fetchStatus(fmt.Sprintf("http://127.0.0.1:%d/api/status", cfg.Agent.APIPort))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func fetchStatus(url string) (*engine.Status, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("agent is not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned HTTP %d", resp.StatusCode)
	}

	var status engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

// printStatus writes status in the requested format. YAML output keeps the
// JSON field names.
func printStatus(w io.Writer, status *engine.Status, format string) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
