package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/notesync/internal/classify"
	"github.com/agentworkforce/notesync/internal/notify"
	"github.com/agentworkforce/notesync/internal/notion"
	"github.com/agentworkforce/notesync/internal/storage"
	"github.com/agentworkforce/notesync/internal/tagmap"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseForwardPass
	PhaseReconciliationPass
	PhasePostSync
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseForwardPass:
		return "forward_pass"
	case PhaseReconciliationPass:
		return "reconciliation_pass"
	case PhasePostSync:
		return "post_sync"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Classifier interface {
	Classify(filename string, forced []tagmap.LabelSpec) classify.Classification
	ReverseIndex() []tagmap.LocationLabels
}

type SeenSet interface {
	Contains(id string) bool
	MarkSeen(id string) error
}

type Linker interface {
	Link(ctx context.Context, fileID, title, fileLink string, labels []tagmap.LabelSpec) (notion.Page, error)
}

// PostSyncFunc receives every result of the run in order.
type PostSyncFunc func(ctx context.Context, results []notify.SyncResult) error

type SyncerOptions struct {
	IntakeLocation   string
	ExpectedMimeType string
	TemporaryDir     string
	// SkipFailedFiles logs and counts a failing file instead of aborting the
	// run.
	SkipFailedFiles bool
	DryRun          bool
	PostSync        PostSyncFunc
	Logger          *slog.Logger
}

type Report struct {
	Forward    int
	Reconciled int
	Skipped    int
	Failed     int
	Results    []notify.SyncResult
	// PostSyncErr is logged, never returned from Run.
	PostSyncErr error
}

type Syncer struct {
	storage    storage.Storage
	classifier Classifier
	seen       SeenSet
	linker     Linker
	opts       SyncerOptions
	logger     *slog.Logger
	phase      Phase
}

func NewSyncer(store storage.Storage, classifier Classifier, seen SeenSet, linker Linker, opts SyncerOptions) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if seen == nil {
		return nil, fmt.Errorf("seen set is required")
	}
	if linker == nil {
		return nil, fmt.Errorf("linker is required")
	}
	opts.IntakeLocation = strings.TrimSpace(opts.IntakeLocation)
	if opts.IntakeLocation == "" {
		return nil, fmt.Errorf("intake location is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{
		storage:    store,
		classifier: classifier,
		seen:       seen,
		linker:     linker,
		opts:       opts,
		logger:     logger,
		phase:      PhaseIdle,
	}, nil
}

func (s *Syncer) Phase() Phase {
	return s.phase
}

// Run performs one complete sync. Files are linked and marked seen strictly
// in listing order, and the forward pass finishes before reconciliation
// starts so nothing is linked twice.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	if s.phase != PhaseIdle {
		return Report{}, fmt.Errorf("syncer already ran (phase %s)", s.phase)
	}
	report := Report{Results: []notify.SyncResult{}}
	if s.opts.TemporaryDir != "" {
		if _, err := CleanTemporaryFiles(s.opts.TemporaryDir, s.logger); err != nil {
			return report, err
		}
	}

	s.enter(PhaseForwardPass)
	if err := s.forwardPass(ctx, &report); err != nil {
		return report, err
	}

	s.enter(PhaseReconciliationPass)
	if err := s.reconciliationPass(ctx, &report); err != nil {
		return report, err
	}

	s.enter(PhasePostSync)
	if s.opts.PostSync != nil && len(report.Results) > 0 && !s.opts.DryRun {
		if err := s.opts.PostSync(ctx, report.Results); err != nil {
			report.PostSyncErr = err
			s.logger.Error("post-sync finished with failures", "error", err)
		} else {
			s.logger.Info("post-sync completed", "results", len(report.Results))
		}
	} else {
		s.logger.Info("no post-sync to run")
	}

	s.enter(PhaseDone)
	s.logger.Info("sync completed",
		"forward", report.Forward,
		"reconciled", report.Reconciled,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *Syncer) enter(phase Phase) {
	s.logger.Debug("sync phase", "from", s.phase.String(), "to", phase.String())
	s.phase = phase
}

func (s *Syncer) forwardPass(ctx context.Context, report *Report) error {
	files, err := s.storage.ListChildren(ctx, s.opts.IntakeLocation)
	if err != nil {
		return fmt.Errorf("list intake location: %w", err)
	}
	s.logger.Info("received files to process", "count", len(files), "location", s.opts.IntakeLocation)
	for _, file := range files {
		classification := s.classifier.Classify(file.Name, nil)
		result, err := s.process(ctx, file, classification, true)
		if err != nil {
			if err := s.handleFileError(file, err, report); err != nil {
				return err
			}
			continue
		}
		if result != nil {
			report.Results = append(report.Results, *result)
			report.Forward++
		}
	}
	return nil
}

func (s *Syncer) reconciliationPass(ctx context.Context, report *Report) error {
	index := s.classifier.ReverseIndex()
	s.logger.Debug("reconciling destination locations", "locations", len(index))
	for _, entry := range index {
		s.logger.Info("reconciling location", "location", entry.Location)
		files, err := s.storage.ListChildren(ctx, entry.Location)
		if err != nil {
			return fmt.Errorf("list location %s: %w", entry.Location, err)
		}
		for _, file := range files {
			if s.opts.ExpectedMimeType != "" && file.MimeType != s.opts.ExpectedMimeType {
				s.logger.Debug("ignoring file with unexpected type", "file", file.Name, "mime_type", file.MimeType)
				report.Skipped++
				continue
			}
			if s.seen.Contains(file.ID) {
				s.logger.Debug("ignoring already seen file", "file_id", file.ID)
				report.Skipped++
				continue
			}
			s.logger.Info("found unseen file", "file_id", file.ID, "location", entry.Location)
			classification := s.classifier.Classify(file.Name, entry.Labels)
			// already in a destination; link without moving
			classification.Location = entry.Location
			result, err := s.process(ctx, file, classification, false)
			if err != nil {
				if err := s.handleFileError(file, err, report); err != nil {
					return err
				}
				continue
			}
			if result != nil {
				report.Results = append(report.Results, *result)
				report.Reconciled++
			}
		}
	}
	return nil
}

// process downloads, optionally moves, links and marks one file. A dry run
// returns a nil result.
func (s *Syncer) process(ctx context.Context, file storage.File, c classify.Classification, move bool) (*notify.SyncResult, error) {
	s.logger.Info("processing file", "file_id", file.ID, "name", file.Name, "location", c.Location, "labels", len(c.Labels))
	if s.opts.DryRun {
		s.logger.Info("dry run: would link file", "file_id", file.ID, "title", c.DisplayTitle, "location", c.Location, "move", move)
		return nil, nil
	}

	localPath, err := s.storage.DownloadToLocalTemp(ctx, file, s.opts.TemporaryDir)
	if err != nil {
		return nil, err
	}
	if move {
		if err := s.storage.MoveToLocation(ctx, file.ID, c.Location, s.opts.IntakeLocation); err != nil {
			return nil, err
		}
	}
	fileLink, err := s.storage.FileLink(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	page, err := s.linker.Link(ctx, file.ID, c.DisplayTitle, fileLink, c.Labels)
	if err != nil {
		return nil, err
	}
	if err := s.seen.MarkSeen(file.ID); err != nil {
		return nil, &fatalError{err: err}
	}
	return &notify.SyncResult{
		FileID:             file.ID,
		DisplayTitle:       c.DisplayTitle,
		TemporaryLocalPath: localPath,
		RemoteFileLink:     fileLink,
		RecordLink:         page.URL,
		Labels:             append([]tagmap.LabelSpec(nil), c.Labels...),
	}, nil
}

func (s *Syncer) handleFileError(file storage.File, err error, report *Report) error {
	var fatal *fatalError
	if !s.opts.SkipFailedFiles || errors.As(err, &fatal) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, notion.ErrUnknownLabelKind) {
		return fmt.Errorf("sync %s (%s): %w", file.ID, file.Name, err)
	}
	report.Failed++
	s.logger.Error("skipping failed file", "file_id", file.ID, "name", file.Name, "error", err)
	return nil
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// CleanTemporaryFiles empties dir, creating it when absent, and returns how
// many entries were removed.
func CleanTemporaryFiles(dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create temporary files directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return 0, fmt.Errorf("remove temporary file %s: %w", entry.Name(), err)
		}
	}
	if len(entries) > 0 {
		logger.Info("removed temporary files", "count", len(entries))
	} else {
		logger.Debug("no temporary files to remove")
	}
	return len(entries), nil
}
