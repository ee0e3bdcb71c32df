package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type entrySummary struct {
	Key         string  `json:"key"`
	Route       string  `json:"route"`
	PageType    string  `json:"pageType"`
	ContentType string  `json:"contentType"`
	SizeBytes   int     `json:"sizeBytes"`
	Priority    float64 `json:"priority"`
	Stale       bool    `json:"stale"`
	ExpiresAt   int64   `json:"expiresAt"`
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every entry currently held in the memory tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []entrySummary
			if err := getJSON("/v1/entries", &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Key\tRoute\tPage Type\tContent Type\tBytes\tPriority\tStale")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\t%v\n", e.Key, e.Route, e.PageType, e.ContentType, e.SizeBytes, e.Priority, e.Stale)
			}
			return w.Flush()
		},
	}
}
