package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/leitner"
	"github.com/conorfennell/recall/internal/study"
	"github.com/conorfennell/recall/internal/web"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and dispatch reminders on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			sched, err := leitner.New(a.cfg.LeitnerConfig())
			if err != nil {
				return err
			}
			srv := web.NewServer(
				a.db,
				study.NewQueue(a.db, a.cfg.Scheduler.PageSize, a.cfg.Scheduler.Horizon),
				study.NewReviewer(a.db, sched, a.log),
				a.syncer(),
				a.log,
			)

			r, cleanup, err := a.runner(ctx)
			if err != nil {
				a.log.Error("failed to set up reminder scans", "error", err)
				return err
			}
			defer cleanup()
			r.Start(ctx)
			defer r.Stop()

			httpSrv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("starting server", "addr", a.cfg.HTTP.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("server failed", "error", err)
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("server shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Dispatch due reminders once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, cleanup, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := r.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"scanned %d: sent %d, deduplicated %d, deferred %d, in flight %d, failed %d, dead-lettered %d\n",
				res.Scanned, res.Sent, res.Deduplicated, res.Deferred, res.InFlight, res.Failed, res.DeadLettered)
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile cards with every deck source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reports, err := a.syncer().Run(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tPARSED\tINSERTED\tDELETED\tERRORS")
			failed := 0
			for _, rep := range reports {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", rep.Path, rep.Parsed, rep.Inserted, rep.Deleted, len(rep.Errors))
				failed += len(rep.Errors)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, rep := range reports {
				for _, err := range rep.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "- %s: %s\n", rep.Path, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d sync errors", failed)
			}
			return nil
		},
	}
}

func newSourceCmd(a *app) *cobra.Command {
	source := &cobra.Command{
		Use:   "source",
		Short: "Manage deck sources",
	}
	source.AddCommand(
		&cobra.Command{
			Use:   "add <path-or-git-url>",
			Short: "Register a deck directory or git remote",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				src, err := a.syncer().AddSource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s source %d: %s\n", src.Type, src.ID, src.Path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List deck sources",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sources, err := a.db.GetAllSources(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tPATH\tLAST SCANNED")
				for _, src := range sources {
					scanned := "never"
					if src.LastScanned != nil {
						scanned = src.LastScanned.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", src.ID, src.Type, src.Path, scanned)
				}
				return w.Flush()
			},
		},
	)
	return source
}
