package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/config"
	"github.com/conorfennell/recall/internal/lease"
	"github.com/conorfennell/recall/internal/logging"
	"github.com/conorfennell/recall/internal/reminder"
	"github.com/conorfennell/recall/internal/runner"
	"github.com/conorfennell/recall/internal/storage"
	"github.com/conorfennell/recall/internal/sync"
)

// app carries what every subcommand shares. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfg *config.Config
	log *slog.Logger
	db  *storage.DB
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Spaced-repetition flashcards and reminder dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newSyncCmd(a),
		newSourceCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		return err
	}
	log.Debug("database opened", "path", cfg.Database.Path)

	a.cfg, a.log, a.db = cfg, log, db
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) syncer() *sync.Syncer {
	return sync.New(a.db, a.cfg.Sources.ReposDir, a.log)
}

func (a *app) dispatcher() (*reminder.Dispatcher, error) {
	mailer := reminder.NewLogMailer(a.log)
	senders := []reminder.Sender{
		reminder.NewInAppSender(a.db),
		reminder.NewEmailSender(mailer, a.cfg.Dispatcher.MailFrom),
		reminder.NewCalendarSender(mailer, a.cfg.Dispatcher.MailFrom),
	}
	return reminder.NewDispatcher(a.db, a.db, a.db, senders, reminder.NewLogAlerter(a.log), reminder.Options{
		BatchSize:   a.cfg.Dispatcher.BatchSize,
		Workers:     a.cfg.Dispatcher.Workers,
		SendTimeout: a.cfg.Dispatcher.SendTimeout,
		Backoff:     a.cfg.Backoff(),
		Logger:      a.log,
	})
}

// runner wires the dispatcher to the scan schedule. The returned cleanup
// closes the lease connection, if one was opened.
func (a *app) runner(ctx context.Context) (*runner.Runner, func(), error) {
	d, err := a.dispatcher()
	if err != nil {
		return nil, nil, err
	}

	var locker runner.Locker
	cleanup := func() {}
	if a.cfg.LeaseEnabled() {
		l, err := lease.Dial(ctx, a.cfg.Lease.Addr, a.cfg.Lease.Key, a.cfg.Lease.TTL)
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("scan lease enabled", "addr", a.cfg.Lease.Addr, "key", a.cfg.Lease.Key)
		locker = l
		cleanup = func() { _ = l.Close() }
	}
	return runner.New(d, locker, a.cfg.Dispatcher.Interval, a.log), cleanup, nil
}
