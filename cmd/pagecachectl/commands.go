package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type statsResponse struct {
	Entries   int     `json:"entries"`
	Bytes     int     `json:"bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Evictions uint64  `json:"evictions"`
	Quota     *struct {
		Usage      uint64  `json:"Usage"`
		Capacity   uint64  `json:"Capacity"`
		Percentage float64 `json:"Percentage"`
	} `json:"quota"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory-tier cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats statsResponse
			if err := getJSON("/v1/stats", &stats); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
			fmt.Fprintf(w, "Bytes:\t%d\n", stats.Bytes)
			fmt.Fprintf(w, "Hits:\t%d\n", stats.Hits)
			fmt.Fprintf(w, "Misses:\t%d\n", stats.Misses)
			fmt.Fprintf(w, "Hit rate:\t%.2f\n", stats.HitRate)
			fmt.Fprintf(w, "Evictions:\t%d\n", stats.Evictions)
			if stats.Quota != nil {
				fmt.Fprintf(w, "Quota used:\t%d / %d bytes (%.1f%%)\n", stats.Quota.Usage, stats.Quota.Capacity, stats.Quota.Percentage)
			}
			return w.Flush()
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a cache entry by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRequest(http.MethodGet, "/v1/cache/"+args[0], nil)
		},
	}
}

func newSetCmd() *cobra.Command {
	var route, pageType, contentType string
	cmd := &cobra.Command{
		Use:   "set <key> <json-data>",
		Short: "Write a cache entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("invalid JSON payload: %w", err)
			}
			body, _ := json.Marshal(map[string]any{
				"data":        data,
				"route":       route,
				"pageType":    pageType,
				"contentType": contentType,
			})
			return printRequest(http.MethodPost, "/v1/cache/"+args[0], body)
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "route tag for priority scoring")
	cmd.Flags().StringVar(&pageType, "page-type", "other", "page type classification")
	cmd.Flags().StringVar(&contentType, "content-type", "generic", "content type classification")
	return cmd
}

func newInvalidateCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "invalidate [keys...]",
		Short: "Invalidate cache entries by key or tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{"keys": args, "tags": tags})
			return printRequest(http.MethodPost, "/v1/invalidate", body)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to invalidate (repeatable)")
	return cmd
}

func newWarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm [routes...]",
		Short: "Request a route-warming prefetch (no routes: warm the daemon's configured default list)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// cobra hands back a non-nil empty slice for "no positional
			// args given", which would otherwise be indistinguishable
			// from "warm nothing" on the wire; omit the field entirely
			// unless the caller actually named routes.
			var payload map[string]any
			if len(args) > 0 {
				payload = map[string]any{"routes": args}
			}
			body, _ := json.Marshal(payload)
			return printRequest(http.MethodPost, "/v1/warm", body)
		},
	}
}

func newFlagsCmd() *cobra.Command {
	var userID, environment, sessionID string
	cmd := &cobra.Command{
		Use:   "flags <flag>",
		Short: "Evaluate a feature flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/flags/%s?userId=%s&environment=%s&sessionId=%s", args[0], userID, environment, sessionID)
			return printRequest(http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "userId for targeting/rollout evaluation")
	cmd.Flags().StringVar(&environment, "environment", "", "environment name")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "sessionId fallback for rollout bucketing")
	return cmd
}

func printRequest(method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, daemonAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// getJSON issues a GET against the daemon and decodes the JSON response
// body into v, for subcommands that render a table instead of echoing
// the raw response (printRequest's job).
func getJSON(path string, v any) error {
	resp, err := httpClient.Get(daemonAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
