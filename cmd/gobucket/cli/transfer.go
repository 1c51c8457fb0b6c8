package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/franksops/gobucket/engine"
	"github.com/franksops/gobucket/ui"
)

const tuiRefresh = 500 * time.Millisecond

var (
	uploadBuckets  []string
	downloadBucket string
	downloadDest   string
	noTUI          bool
	retries        int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>... --bucket <name>",
	Short: "Upload files and directories to one or more buckets",
	Long: `Upload sends local files and directories to a bucket. Directories are
uploaded recursively with object names relative to the directory.

One job is started per bucket.

Examples:
  gobucket upload ./report.pdf --bucket reports
  gobucket upload ./site --bucket www --bucket www-backup`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <object>... --bucket <name>",
	Short: "Download objects from a bucket",
	Long: `Download fetches objects from a bucket into a local directory, keeping
the object name as the relative path.

Examples:
  gobucket download logs/app.log --bucket ops --dest ./out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func init() {
	uploadCmd.Flags().StringArrayVarP(&uploadBuckets, "bucket", "b", nil, "Destination bucket (repeatable)")
	_ = uploadCmd.MarkFlagRequired("bucket")

	downloadCmd.Flags().StringVarP(&downloadBucket, "bucket", "b", "", "Source bucket")
	downloadCmd.Flags().StringVarP(&downloadDest, "dest", "d", ".", "Local destination directory")
	_ = downloadCmd.MarkFlagRequired("bucket")

	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().BoolVar(&noTUI, "no-tui", false, "Print plain progress instead of the interactive view")
		c.Flags().IntVar(&retries, "retries", 0, "Automatic retries per failed file in plain mode")
		rootCmd.AddCommand(c)
	}
}

func runUpload(_ *cobra.Command, args []string) error {
	req := engine.JobRequest{Direction: engine.Upload, Items: args}
	return runTransfer(func(ctx context.Context, r *engine.Registry) ([]int, error) {
		return r.SubmitToBuckets(ctx, req, uploadBuckets...)
	})
}

func runDownload(_ *cobra.Command, args []string) error {
	req := engine.JobRequest{
		Direction: engine.Download,
		Items:     args,
		Bucket:    downloadBucket,
		LocalDir:  downloadDest,
	}
	return runTransfer(func(ctx context.Context, r *engine.Registry) ([]int, error) {
		id, err := r.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		return []int{id}, nil
	})
}

type submitFunc func(ctx context.Context, r *engine.Registry) ([]int, error)

func runTransfer(submit submitFunc) error {
	interactive := !noTUI && ui.ShowProgress(cfg.Progress, os.Stdout)

	log, closeLog, err := newLogger(interactive)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			log.WithError(err).Warn("Shutdown incomplete")
		}
	}()

	if interactive {
		return runInteractive(ctx, s, submit)
	}
	return runPlain(ctx, s, submit, log)
}

// runInteractive drives the terminal UI until the user quits or dismisses
// every finished job. Jobs still running on quit are cancelled.
func runInteractive(ctx context.Context, s *session, submit submitFunc) error {
	stats := ui.NewStats(s.registry)
	unsubscribe := s.registry.Subscribe(stats)
	defer unsubscribe()

	if _, err := submit(ctx, s.registry); err != nil {
		return err
	}

	poller := ui.NewPoller(s.registry, stats)
	model := ui.NewTUIModel(poller.Poll(time.Now()), s.registry)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	go func() {
		ticker := time.NewTicker(tuiRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case now := <-ticker.C:
				program.Send(ui.TUIUpdateMsg{State: poller.Poll(now)})
			}
		}
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runPlain prints progress lines until every job is done. A failed file is
// retried up to --retries times, then its job is cancelled.
func runPlain(ctx context.Context, s *session, submit submitFunc, log logrus.FieldLogger) error {
	renderer := ui.NewPlainRenderer(os.Stderr, ui.ShowProgress(cfg.Progress, os.Stderr))

	var (
		mu       sync.Mutex
		attempts = make(map[int]int)
		failed   []error
	)
	renderer.OnFailed = func(id int, ferr error) {
		mu.Lock()
		attempts[id]++
		retry := attempts[id] <= retries
		if !retry {
			failed = append(failed, fmt.Errorf("job %d: %w", id, ferr))
		}
		mu.Unlock()

		// Registry calls must not run on the worker goroutine.
		go func() {
			if retry {
				log.WithField("job_id", id).Info("Retrying failed file")
				if err := s.registry.Retry(id); err != nil {
					log.WithError(err).WithField("job_id", id).Warn("Retry rejected")
				}
				return
			}
			if err := s.registry.Cancel(id); err != nil && !errors.Is(err, engine.ErrJobNotFound) {
				log.WithError(err).WithField("job_id", id).Warn("Cancel failed")
			}
		}()
	}
	unsubscribe := s.registry.Subscribe(renderer)
	defer unsubscribe()

	if _, err := submit(ctx, s.registry); err != nil {
		return err
	}

	if err := s.registry.WaitIdle(ctx); err != nil {
		return err
	}
	fmt.Println(renderer.Summary())

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(failed...)
}
