package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"engagebot/api"
	"engagebot/config"
	"engagebot/engine"
	"engagebot/extractor"
	"engagebot/storage"
)

func newPreviewCmd(cfgPath *string) *cobra.Command {
	var (
		item     extractor.Item
		duration float64
		fetch    bool
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Score one video and print the plan without executing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if item.URL == "" && item.Title == "" {
				return fmt.Errorf("--url or --title is required")
			}
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			filter, err := newFilter(cfg)
			if err != nil {
				return err
			}
			bodies, err := store.EnabledTemplateBodies(cmd.Context())
			if err != nil {
				return err
			}
			filter.SetWhitelist(append(append([]string{}, cfg.CommentTemplateWhitelist...), bodies...))

			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return err
			}
			gate := newGate(cfg, loc)
			if err := restoreRates(cmd.Context(), gate, store, cfg.AccountID); err != nil {
				return err
			}
			eng := engine.New(engine.Deps{
				Scorer: newScorer(cfg, nil),
				Gate:   gate,
				Filter: filter,
			}, api.LoadSettings(store, engineConfig(cfg), cfg.Personas), cfg.InteractedCapacity)

			if cmd.Flags().Changed("duration") {
				item.DurationSeconds = &duration
			}
			c := extractor.Build(item, time.Now())
			if fetch && item.URL != "" {
				c = extractor.Enrich(cmd.Context(), extractor.NewFetcher(time.Duration(cfg.FetchTimeoutSec)*time.Second), c)
			}

			score, plan, err := eng.Preview(cmd.Context(), c)
			out := map[string]any{"candidate_id": c.ID, "score": score, "plan": plan}
			if err != nil {
				out["error"] = err.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&item.URL, "url", "", "video page URL")
	f.StringVar(&item.VideoID, "video-id", "", "video id, derived from the URL when empty")
	f.StringVar(&item.Title, "title", "", "video title")
	f.StringVar(&item.AuthorName, "author", "", "author name")
	f.StringVar(&item.RawText, "description", "", "video description")
	f.Float64Var(&duration, "duration", 0, "video length in seconds")
	f.BoolVar(&fetch, "fetch", false, "fetch the page to fill a missing title")
	return cmd
}
