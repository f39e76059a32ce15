package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/paperqa/internal/auth"
	"github.com/knoguchi/paperqa/internal/client"
)

const (
	defaultServerURL = "http://localhost:8080"
	questionPreview  = 60
)

type globalFlags struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.server, client.WithToken(g.token), client.WithTimeout(g.timeout))
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "paperqactl",
		Short:         "Query and administer a paper Q&A server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr("PAPERQA_URL", defaultServerURL), "server base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("PAPERQA_TOKEN"), "admin bearer token")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print raw JSON")

	root.AddCommand(
		newAskCmd(g),
		newCacheCmd(g),
		newPapersCmd(g),
		newHistoryCmd(g),
		newTopicsCmd(g),
		newTokenCmd(),
	)
	return root
}

func newAskCmd(g *globalFlags) *cobra.Command {
	var topK int
	var paperIDs []int64

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a question over the indexed papers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().Ask(cmd.Context(), client.QueryRequest{
				Question: strings.Join(args, " "),
				TopK:     topK,
				PaperIDs: paperIDs,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, res)
			}

			fmt.Fprintln(out, res.Answer)
			fmt.Fprintln(out)
			for _, c := range res.Citations {
				fmt.Fprintf(out, "[%d] %s (%s, p.%d, %s) relevance %.3f\n",
					c.ReferenceNumber, c.PaperTitle, c.Filename, c.Page, c.Section, c.RelevanceScore)
			}
			fmt.Fprintf(out, "\nconfidence %.3f | status %s | cached %t | %.3fs\n",
				res.Confidence, res.Status, res.Cached, res.ResponseTime)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of chunks to cite (server default when 0)")
	cmd.Flags().Int64SliceVarP(&paperIDs, "paper", "p", nil, "restrict to paper IDs")
	return cmd
}

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := g.client().CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, stats)
			}
			if !stats.Enabled {
				fmt.Fprintln(out, "cache is disabled")
				return nil
			}
			fmt.Fprintf(out, "entries %d/%d | hits %d | misses %d | hit rate %.2f%% | evictions %d | ttl %ds\n",
				stats.Size, stats.MaxSize, stats.Hits, stats.Misses, stats.HitRatePercent, stats.Evictions, stats.TTLSeconds)
			if len(stats.TopQueries) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HITS\tTTL\tQUESTION")
			for _, e := range stats.TopQueries {
				fmt.Fprintf(tw, "%d\t%ds\t%s\n", e.HitCount, e.TTLSeconds, e.Question)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := g.client().ClearCache(cmd.Context())
			if err != nil {
				return err
			}
			if !enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "cache is disabled")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := g.client().SweepCache(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	})

	return cmd
}

func newPapersCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "papers",
		Short: "List and manage papers",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List papers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := g.client().ListPapers(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, page)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCHUNKS\tFILENAME\tTITLE")
			for _, p := range page.Papers {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", p.ID, p.ChunkCount, p.Filename, p.Title)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d papers\n", len(page.Papers), page.Total)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			paper, err := g.client().GetPaper(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), paper)
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a paper, its vectors and affected cache entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := g.client().DeletePaper(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res["message"])
			return nil
		},
	}

	ingested := &cobra.Command{
		Use:   "ingested ID",
		Short: "Signal that new content for a paper was indexed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := g.client().MarkIngested(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paper %d marked ingested; cache cleared\n", id)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats ID",
		Short: "Show query statistics for a paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := g.client().PaperStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.AddCommand(list, get, del, ingested, stats)
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var skip, limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := g.client().History(cmd.Context(), skip, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, records)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tSTATUS\tCACHED\tCONFIDENCE\tQUESTION")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%.3f\t%s\n",
					r.CreatedAt.Format(time.DateTime), r.Status, r.Cached, r.Confidence, preview(r.Question, questionPreview))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "records to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "records to show")
	return cmd
}

func newTopicsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Show the most common question topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			popular, err := g.client().Popular(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, popular)
			}
			for _, t := range popular.Topics {
				fmt.Fprintf(out, "%6d  %s\n", t.Count, t.Topic)
			}
			fmt.Fprintf(out, "%d queries total\n", popular.TotalQueries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "topics to show")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var secret, subject string
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a signing secret is required (--secret or ADMIN_JWT_SECRET)")
			}
			m := auth.NewJWTManager(auth.DefaultJWTConfig(secret))
			token, err := m.GenerateTokenWithExpiry(subject, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "signing secret")
	cmd.Flags().StringVar(&subject, "subject", "paperqactl", "token subject")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid paper id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
