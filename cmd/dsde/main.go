package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatbt/dsde/internal/adapter"
	"github.com/chatbt/dsde/internal/batch"
	"github.com/chatbt/dsde/internal/config"
	"github.com/chatbt/dsde/internal/engine"
	"github.com/chatbt/dsde/internal/metrics"
	"github.com/chatbt/dsde/internal/model"
	"github.com/chatbt/dsde/internal/replay"
	sigproc "github.com/chatbt/dsde/internal/signal"
)

// #region root

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "dsde",
		Short: "Dynamic speculative decoding engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (optional)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newInspectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion root

// #region run

// sequenceOut is the JSON shape of one finished sequence.
type sequenceOut struct {
	ID     string   `json:"id"`
	State  string   `json:"state"`
	Tokens []string `json:"tokens"`
	Rounds int      `json:"rounds"`
	Error  string   `json:"error,omitempty"`
}

// requestFile is the JSON shape of a batch submission.
type requestFile struct {
	Requests []struct {
		ID           string   `json:"id"`
		Prompt       []string `json:"prompt"`
		TaskType     string   `json:"task_type"`
		MaxNewTokens int      `json:"max_new_tokens"`
	} `json:"requests"`
}

func newRunCmd() *cobra.Command {
	var requestsPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Decode a batch of sequences against the model service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(requestsPath)
			if err != nil {
				return fmt.Errorf("read requests %s: %w", requestsPath, err)
			}
			var reqs requestFile
			if err := json.Unmarshal(data, &reqs); err != nil {
				return fmt.Errorf("parse requests %s: %w", requestsPath, err)
			}
			if len(reqs.Requests) == 0 {
				return fmt.Errorf("no requests in %s", requestsPath)
			}

			client, err := model.NewClient(cfg.Model.Addr)
			if err != nil {
				return err
			}
			defer client.Close()
			client.WithTimeout(time.Duration(cfg.Model.TimeoutMs) * time.Millisecond)

			collector := metrics.NewCollector(cfg.Metrics.SnapshotWindow)
			sink := metrics.Sink(collector)
			var store *metrics.Store
			if cfg.Metrics.DBPath != "" {
				store, err = metrics.NewStore(cfg.Metrics.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()
				sink = metrics.Fanout{collector, store}
				log.Printf("[DSDE] run=%s db=%s", store.RunID(), cfg.Metrics.DBPath)
			}

			eng := buildEngine(cfg, client, sink)
			for _, r := range reqs.Requests {
				id, err := eng.Submit(engine.Request{
					ID:           r.ID,
					Prompt:       r.Prompt,
					TaskType:     r.TaskType,
					MaxNewTokens: r.MaxNewTokens,
				})
				if err != nil {
					return err
				}
				log.Printf("[DSDE] submitted seq=%s", id)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := eng.Run(ctx); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			snap := collector.Snapshot()
			if store != nil {
				if err := store.WriteSnapshot(snap); err != nil {
					log.Printf("[DSDE] snapshot write failed: %v", err)
				}
			}

			out := make([]sequenceOut, 0)
			for _, res := range eng.Results() {
				so := sequenceOut{
					ID:     res.ID,
					State:  res.State.String(),
					Tokens: res.Tokens,
					Rounds: res.Rounds,
				}
				if res.Err != nil {
					so.Error = res.Err.Error()
				}
				out = append(out, so)
			}
			return printJSON(cmd, struct {
				Results  []sequenceOut    `json:"results"`
				Snapshot metrics.Snapshot `json:"snapshot"`
			}{out, snap})
		},
	}
	cmd.Flags().StringVar(&requestsPath, "requests", "", "path to JSON requests file")
	cmd.MarkFlagRequired("requests")
	return cmd
}

// buildEngine wires the decode pipeline from a loaded configuration.
func buildEngine(cfg config.Config, collab model.Collaborator, sink metrics.Sink) *engine.Engine {
	sig := sigproc.NewProcessor(sigproc.Config{
		ShortWindowSize: cfg.Signal.ShortWindowSize,
		LongWindowSize:  cfg.Signal.LongWindowSize,
		KLDThreshold:    cfg.Signal.KLDThreshold,
		WeightShort:     cfg.Signal.KLDWeightShort,
		WeightLong:      cfg.Signal.KLDWeightLong,
		WeightEntropy:   cfg.Signal.EntropyWeight,
	})
	adp := adapter.New(adapter.Config{
		SLMin:           cfg.Adapter.SLMin,
		SLMax:           cfg.Adapter.SLMax,
		DefaultSL:       cfg.Adapter.DefaultSL,
		AdaptStep:       cfg.Adapter.AdaptStep,
		HighThreshold:   cfg.Adapter.StabilityThresholdHigh,
		LowThreshold:    cfg.Adapter.StabilityThresholdLow,
		SmoothingFactor: cfg.Adapter.SmoothingFactor,
		TaskMultipliers: cfg.Adapter.TaskMultipliers,
	})
	opt := batch.NewOptimizer(cfg.Batch.RoundBudget, cfg.Adapter.SLMin)
	return engine.New(engine.Config{
		RoundBudget:  cfg.Batch.RoundBudget,
		SLMin:        cfg.Adapter.SLMin,
		MaxNewTokens: cfg.Engine.MaxNewTokens,
		MaxAttempts:  cfg.Engine.MaxAttempts,
		RetryBase:    time.Duration(cfg.Engine.RetryBaseMs) * time.Millisecond,
		Seed:         cfg.Engine.Seed,
	}, sig, adp, opt, collab, sink)
}

// #endregion run

// #region replay

func newReplayCmd() *cobra.Command {
	var fixturePath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run a recorded trace through the adaptation pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(fixturePath)
			if err != nil {
				return err
			}
			results := replay.Replay(f)
			return printJSON(cmd, struct {
				Description string               `json:"description"`
				Rounds      []replay.RoundResult `json:"rounds"`
				Summary     replay.Summary       `json:"summary"`
			}{f.Description, results, replay.Summarize(results)})
		},
	}
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to JSON replay fixture")
	cmd.MarkFlagRequired("fixture")
	return cmd
}

// #endregion replay

// #region inspect

func newInspectCmd() *cobra.Command {
	var dbPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show recent round telemetry from a metrics database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := metrics.OpenStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rounds, err := store.RecentAcrossRuns(limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				Rounds []metrics.RoundRecord `json:"rounds"`
			}{rounds})
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "dsde_metrics.db", "path to metrics database")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rounds to show")
	return cmd
}

// #endregion inspect

// #region output

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion output
