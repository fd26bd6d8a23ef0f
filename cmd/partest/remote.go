package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/partest/pkg/client"
)

func createRemoteCommand(c *cli) *cobra.Command {
	f := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query a runner serving the HTTP API",
		Long: `Remote talks to "partest serve" or "partest run --listen" over HTTP.
The URL defaults to server.listen and server.base_path from the config.`,
	}
	cmd.PersistentFlags().StringVar(&f.URL, "url", "", "API base URL, e.g. http://127.0.0.1:8089/api")
	cmd.PersistentFlags().StringVar(&f.CACert, "ca-cert", "", "CA certificate to trust for https")
	cmd.PersistentFlags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.PersistentFlags().DurationVar(&f.Timeout, "timeout", 0, "request timeout")

	ps := &PidsListFlags{}
	pidsCmd := &cobra.Command{
		Use:   "pids",
		Short: "List the runner's registered workers as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.apiClient(f)
			if err != nil {
				return err
			}
			ws, err := cl.Workers(cmd.Context(), ps.Stats)
			if err != nil {
				return err
			}
			return printJSON(cmd, ws)
		},
	}
	pidsCmd.Flags().BoolVar(&ps.Stats, "stats", false, "include CPU and memory usage")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "Show whether the runner has an active session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.apiClient(f)
				if err != nil {
					return err
				}
				h, err := cl.Health(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, h)
			},
		},
		pidsCmd,
		&cobra.Command{
			Use:   "count",
			Short: "Print the runner's registered worker count",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.apiClient(f)
				if err != nil {
					return err
				}
				n, err := cl.Count(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Interrupt every worker registered with the runner",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.apiClient(f)
				if err != nil {
					return err
				}
				return cl.StopAll(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "diagnostics",
			Short: "Ask the runner for a goroutine dump",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.apiClient(f)
				if err != nil {
					return err
				}
				return cl.RequestDiagnostics(cmd.Context())
			},
		},
	)
	return cmd
}

func (c *cli) apiClient(f *RemoteFlags) (*client.Client, error) {
	url := f.URL
	if url == "" {
		scheme := "http"
		if c.cfg.Server.TLS != nil && c.cfg.Server.TLS.Enabled {
			scheme = "https"
		}
		url = scheme + "://" + c.cfg.Server.Listen + "/" + strings.TrimLeft(c.cfg.Server.BasePath, "/")
	}
	cc := client.Config{BaseURL: url, Timeout: f.Timeout, Logger: c.log, Insecure: f.Insecure}
	if f.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cc)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
