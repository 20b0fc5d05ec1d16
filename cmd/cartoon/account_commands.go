package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/pkg/zip"
)

const maxExportImageBytes = 32 << 20

type creditsOutput struct {
	GoogleID             string `json:"google_id"`
	FreeCreditsRemaining int    `json:"free_credits_remaining"`
	AccountTier          int    `json:"account_tier"`
	CanGenerate          bool   `json:"can_generate"`
}

func newCreditsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "Show remaining free credits and account tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			googleID, err := ctx.requireUser()
			if err != nil {
				return err
			}
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			ent, err := client.UserInfo(cmd.Context(), googleID)
			if err != nil {
				return fmt.Errorf("load credits: %w", err)
			}
			out := creditsOutput{
				GoogleID:             googleID,
				FreeCreditsRemaining: ent.FreeCreditsRemaining,
				AccountTier:          ent.AccountTier,
				CanGenerate:          ent.CanGenerate(),
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Free credits: %d\n", out.FreeCreditsRemaining)
			fmt.Fprintf(w, "Tier:         %s\n", tierLabel(out.AccountTier))
			if !out.CanGenerate {
				fmt.Fprintln(w, "No credits left on the free plan. Upgrade to keep generating.")
			}
			return nil
		},
	}
}

func tierLabel(tier int) string {
	if tier <= 0 {
		return "free"
	}
	return "paid (level " + strconv.Itoa(tier) + ")"
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var page, pageSize int
	var exportPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			googleID, err := ctx.requireUser()
			if err != nil {
				return err
			}
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			res, err := client.History(cmd.Context(), googleID, page, pageSize)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			if exportPath != "" {
				return exportHistory(cmd, res, exportPath)
			}
			if ctx.asJSON {
				return writeJSON(cmd, res)
			}
			printHistory(cmd, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Items per page")
	cmd.Flags().StringVar(&exportPath, "export", "", "Download the page's results into this zip file")
	return cmd
}

func printHistory(cmd *cobra.Command, res domain.HistoryPage) {
	w := cmd.OutOrStdout()
	if len(res.Items) == 0 {
		fmt.Fprintln(w, "No generations yet")
		return
	}
	const stampLayout = "2006-01-02 15:04"
	rows := make([][]string, 0, len(res.Items))
	for _, it := range res.Items {
		created := "-"
		if !it.CreatedAt.IsZero() {
			created = it.CreatedAt.Local().Format(stampLayout)
		}
		rows = append(rows, []string{it.ID, created, it.Size, truncate(it.Prompt, 32), it.ResultImageRef})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Created", "Size", "Prompt", "Result"},
		rows,
		[]columnAlignment{alignRight},
	))
	fmt.Fprintf(w, "Page %d, %d of %d shown\n", res.Page, len(res.Items), res.Total)
}

// exportHistory downloads every result on the page into a zip archive.
// Images that cannot be fetched are reported and skipped.
func exportHistory(cmd *cobra.Command, res domain.HistoryPage, dest string) error {
	client := &http.Client{}
	entries := make([]zip.Entry, 0, len(res.Items))
	for _, it := range res.Items {
		if it.ResultImageRef == "" {
			continue
		}
		data, err := fetchImage(cmd.Context(), client, it.ResultImageRef)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", it.ID, err)
			continue
		}
		entries = append(entries, zip.Entry{
			Name:     it.ID + "-" + generation.FilenameFromURL(it.ResultImageRef),
			Modified: it.CreatedAt,
			Data:     data,
		})
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := zip.Write(f, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d images to %s\n", len(entries), dest)
	return nil
}

func fetchImage(ctx context.Context, client *http.Client, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxExportImageBytes))
}
