package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statusDoc is the /status document as rendered by a running instance.
type statusDoc struct {
	Health  string         `json:"health"`
	Uptime  string         `json:"uptime"`
	Bridges []bridgeStatus `json:"bridges"`
}

type bridgeStatus struct {
	Bridge          string `json:"bridge"`
	Device          string `json:"device"`
	State           string `json:"state"`
	Link            string `json:"link"`
	SerialConnected bool   `json:"serial_connected"`
	ActiveSessions  int    `json:"active_sessions"`
	QueueLength     int    `json:"queue_length"`
	Reconnects      uint64 `json:"reconnects"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	Error           string `json:"error,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var (
		addr    string
		raw     bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running serialmux",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := fetchStatus(addr, timeout)
			if err != nil {
				return err
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var doc statusDoc
			if err := json.Unmarshal(body, &doc); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9100", "status address of the running instance")
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON document")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(addr string, timeout time.Duration) ([]byte, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(strings.TrimSuffix(url, "/") + "/status")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", addr, resp.Status)
	}
	return body, nil
}

func printStatus(w io.Writer, doc statusDoc) error {
	fmt.Fprintf(w, "health: %s  uptime: %s\n\n", doc.Health, doc.Uptime)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRIDGE\tDEVICE\tSTATE\tLINK\tCONNECTED\tSESSIONS\tQUEUE\tRECONNECTS\tIN\tOUT")
	for _, b := range doc.Bridges {
		connected := "no"
		if b.SerialConnected {
			connected = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			b.Bridge, b.Device, b.State, b.Link, connected,
			b.ActiveSessions, b.QueueLength, b.Reconnects, b.BytesIn, b.BytesOut)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, b := range doc.Bridges {
		if b.Error != "" {
			fmt.Fprintf(w, "\n%s: %s\n", b.Bridge, b.Error)
		}
	}
	return nil
}
