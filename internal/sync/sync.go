// Package sync reconciles the card table with the deck sources it was built
// from: new cards are inserted ready for review, cards that disappeared from
// their deck are removed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/gitsource"
	"github.com/conorfennell/recall/internal/knol"
	"github.com/conorfennell/recall/internal/parser"
	"github.com/conorfennell/recall/internal/storage"
)

// Store is the subset of the database a sync touches.
type Store interface {
	InsertSource(ctx context.Context, path, sourceType string) (int64, error)
	GetAllSources(ctx context.Context) ([]storage.Source, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error
	GetCardsBySourceID(ctx context.Context, sourceID int64) ([]domain.Card, error)
	InsertCard(ctx context.Context, card domain.Card) error
	DeleteCard(ctx context.Context, id string) error
}

// Report summarises the reconciliation of one source.
type Report struct {
	SourceID int64
	Path     string
	Parsed   int
	Inserted int
	Deleted  int
	Errors   []error
}

// Syncer reconciles sources. Git sources are checked out under reposDir.
type Syncer struct {
	store    Store
	reposDir string
	log      *slog.Logger

	now   func() time.Time
	fetch func(ctx context.Context, remote, localPath string) error
}

func New(store Store, reposDir string, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store:    store,
		reposDir: reposDir,
		log:      log.With("component", "sync"),
		now:      time.Now,
		fetch:    gitsource.Sync,
	}
}

// AddSource registers a deck directory or git remote. Local paths are stored
// in absolute form.
func (s *Syncer) AddSource(ctx context.Context, path string) (storage.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return storage.Source{}, errors.New("source path is empty")
	}

	src := storage.Source{Path: path, Type: storage.SourceGit}
	if !gitsource.IsRemote(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return storage.Source{}, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		src.Path, src.Type = abs, storage.SourceLocal
	}

	id, err := s.store.InsertSource(ctx, src.Path, src.Type)
	if err != nil {
		return storage.Source{}, err
	}
	src.ID = id
	s.log.Info("source added", "source_id", id, "type", src.Type, "path", src.Path)
	return src, nil
}

// Run reconciles every source in turn. A failing source is reported and does
// not stop the others; the error is non-nil only if the sources could not be
// listed or ctx ended.
func (s *Syncer) Run(ctx context.Context) ([]Report, error) {
	sources, err := s.store.GetAllSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		s.log.Info("no sources configured")
		return nil, nil
	}

	reports := make([]Report, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, s.SyncSource(ctx, src))
	}
	return reports, nil
}

// SyncSource reconciles a single source.
func (s *Syncer) SyncSource(ctx context.Context, src storage.Source) Report {
	log := s.log.With("source_id", src.ID, "type", src.Type, "path", src.Path)
	rep := Report{SourceID: src.ID, Path: src.Path}

	dir := src.Path
	if src.Type == storage.SourceGit {
		local, err := gitsource.LocalPath(s.reposDir, src.Path)
		if err != nil {
			rep.Errors = append(rep.Errors, err)
			log.Error("error determining local path for git repo", "error", err)
			return rep
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			rep.Errors = append(rep.Errors, err)
			log.Error("failed to create repos directory", "error", err)
			return rep
		}
		if err := s.fetch(ctx, src.Path, local); err != nil {
			rep.Errors = append(rep.Errors, err)
			log.Error("error syncing git repo", "error", err)
			return rep
		}
		dir = local
	}

	found, parseErrs, err := collect(dir)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		log.Error("error walking directory", "dir", dir, "error", err)
		return rep
	}
	rep.Parsed = len(found)
	rep.Errors = append(rep.Errors, parseErrs...)

	existing, err := s.store.GetCardsBySourceID(ctx, src.ID)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		log.Error("error getting cards for source", "error", err)
		return rep
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.ID] = true
	}

	now := s.now().UTC()
	for id, e := range found {
		if known[id] {
			continue
		}
		err := s.store.InsertCard(ctx, domain.Card{
			ID:           id,
			Question:     e.Question,
			Answer:       e.Answer,
			Context:      e.Context,
			SourceID:     src.ID,
			NextReviewAt: now,
		})
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			log.Debug("card already owned by another source", "card_id", id)
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Errorf("insert card %s: %w", id, err))
		default:
			rep.Inserted++
		}
	}

	// A deck file that failed to parse would look like a deck whose cards
	// were all deleted.
	if len(parseErrs) == 0 {
		for _, c := range existing {
			if _, ok := found[c.ID]; ok {
				continue
			}
			if err := s.store.DeleteCard(ctx, c.ID); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("delete card %s: %w", c.ID, err))
				continue
			}
			rep.Deleted++
		}
	} else {
		log.Warn("skipping orphan removal after parse errors", "errors", len(parseErrs))
	}

	if err := s.store.UpdateSourceLastScanned(ctx, src.ID, now); err != nil {
		rep.Errors = append(rep.Errors, err)
		log.Warn("failed to update last scanned for source", "error", err)
	}

	log.Info("reconciliation complete",
		"parsed_cards", rep.Parsed,
		"inserted", rep.Inserted,
		"orphaned_deleted", rep.Deleted,
		"errors", len(rep.Errors),
	)
	return rep
}

// collect parses every markdown file under dir, keyed by card id. Hidden
// directories such as .git are skipped.
func collect(dir string) (map[string]parser.Entry, []error, error) {
	found := make(map[string]parser.Entry)
	var parseErrs []error

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}
		entries, err := parser.ParseFile(path)
		if err != nil {
			parseErrs = append(parseErrs, err)
			return nil
		}
		for _, e := range entries {
			found[knol.EntryID(e)] = e
		}
		return nil
	})
	return found, parseErrs, err
}
