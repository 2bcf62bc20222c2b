package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cognicore/reviewbot/internal/manifest"
	"github.com/cognicore/reviewbot/pkg/reviewbot"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		report       string
		manifestPath string
		annotateNow  bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue [file.pdf...]",
		Short: "Queue PDFs for annotation under one report id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && manifestPath == "" {
				return fmt.Errorf("give PDF files or --manifest")
			}
			if report == "" {
				report = uuid.NewString()
			}

			batches := map[string][]reviewbot.Upload{}
			var order []string
			add := func(id string, u reviewbot.Upload) {
				if _, ok := batches[id]; !ok {
					order = append(order, id)
				}
				batches[id] = append(batches[id], u)
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				add(report, reviewbot.Upload{Filename: filepath.Base(path), Data: data})
			}
			if manifestPath != "" {
				items, err := manifest.LoadFromJSONL(manifestPath)
				if err != nil {
					return err
				}
				for _, it := range items {
					data, err := it.Read()
					if err != nil {
						return err
					}
					id := it.Report
					if id == "" {
						id = report
					}
					add(id, reviewbot.Upload{Filename: it.Filename, Data: data})
				}
			}

			ctx := cmd.Context()
			worker, cleanup, err := a.buildWorker(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			for _, id := range order {
				entries, err := worker.Enqueue(ctx, id, batches[id])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "report %s\n", id)
				for _, e := range entries {
					fmt.Fprintf(out, "  %s  %s\n", e.DocumentID, e.Filename)
				}
				if annotateNow {
					n, err := worker.Annotate(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "  annotated %d documents\n", n)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&report, "report", "", "Report (correlation) id; generated when empty")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "JSONL manifest of uploads")
	cmd.Flags().BoolVar(&annotateNow, "annotate", false, "Annotate right after queueing")
	return cmd
}

func newAnnotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <report-id>",
		Short: "Annotate every queued document of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			worker, cleanup, err := a.buildWorker(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := worker.Annotate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "annotated %d documents\n", n)
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the queue and annotate pending reports until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker, cleanup, err := a.buildWorker(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return worker.Serve(ctx)
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <report-id>",
		Short: "Print the stored annotations of a report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			worker, cleanup, err := a.buildWorker(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			reports, err := worker.Report(ctx, args[0])
			if err != nil {
				return err
			}
			if reports == nil {
				reports = []reviewbot.ArticleReport{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		},
	}
}

func newRetainCmd(a *app) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "retain <document-id>",
		Short: "Protect a stored article from cleanup (or release it with --off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			worker, cleanup, err := a.buildWorker(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return worker.Retain(ctx, args[0], !off)
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "Clear the retain flag")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
