package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"speechtune/internal/datasets"
	"speechtune/internal/render"
)

type datasetJSON struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Repo         string   `json:"repo"`
	Size         string   `json:"size"`
	License      string   `json:"license"`
	Splits       []string `json:"splits"`
	RequiresAuth bool     `json:"requires_auth"`
	Notes        string   `json:"notes"`
}

func printListing(cmd *cobra.Command, asJSON bool) error {
	all := datasets.All()
	if asJSON {
		items := make([]datasetJSON, 0, len(all))
		for _, d := range all {
			items = append(items, datasetJSON{
				Key:          d.Key,
				Name:         d.Name,
				Repo:         d.Repo,
				Size:         d.Size,
				License:      d.License,
				Splits:       d.Splits,
				RequiresAuth: d.RequiresAuth,
				Notes:        d.Notes,
			})
		}
		return writeJSON(cmd, items)
	}

	rows := make([][]string, 0, len(all))
	for _, d := range all {
		auth := "no"
		if d.RequiresAuth {
			auth = "yes"
		}
		rows = append(rows, []string{d.Key, d.Name, d.Size, d.License, auth, strings.Join(d.Splits, ", ")})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available Datasets:")
	fmt.Fprintln(out, render.Table(
		[]string{"Key", "Name", "Size", "License", "Auth", "Splits"},
		rows,
		nil,
	))
	fmt.Fprintln(out)
	for _, d := range all {
		fmt.Fprintf(out, "  [%s] %s\n", d.Key, d.Notes)
		fmt.Fprintf(out, "         HF ID: %s\n", d.Repo)
	}
	return nil
}
