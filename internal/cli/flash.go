package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moffa90/go-memprog/dispatch"
	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/image"
	"github.com/moffa90/go-memprog/internal/ui"
	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/metrics"
	"github.com/moffa90/go-memprog/process"
)

type flashOptions struct {
	image     string
	format    string
	base      uint32
	arrayRows uint32
	compress  bool
	ui        bool
	metrics   bool
	dump      string
}

// runFlash programs the image. Programming, the metrics server and the UI
// run in one errgroup: the first to fail or finish stops the others.
func runFlash(ctx context.Context, out io.Writer, cfg *Config, opts flashOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	img, err := image.Load(opts.image, image.Options{
		Format:    image.Format(opts.format),
		Base:      opts.base,
		ArrayRows: opts.arrayRows,
	})
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	l, err := cfg.layout()
	if err != nil {
		return err
	}
	dev, closeDev, err := cfg.device(l)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer func() { _ = closeDev() }()

	logOut := io.Writer(os.Stderr)
	if opts.ui {
		logOut = io.Discard
	}
	logger, closeLog, err := cfg.logger(logOut)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	pipelineOpts := append(cfg.pipelineOptions(),
		memprog.WithLogger(logger),
		memprog.WithProcessor(process.NewZstdDecompressor()),
	)

	var u *ui.UI
	if opts.ui {
		if u, err = ui.NewUI(); err != nil {
			return fmt.Errorf("failed to start UI: %w", err)
		}
		defer u.Close()
		begin, end := img.Bounds()
		tracker := ui.NewTracker(u, " memprog "+Version+" ", []string{
			fmt.Sprintf("Image:  %s (%s, %d bytes)", opts.image, img.Format, img.Size()),
			fmt.Sprintf("Range:  0x%08X-0x%08X in %d segments", begin, end, len(img.Segments)),
			fmt.Sprintf("Device: %s", deviceName(cfg)),
		})
		pipelineOpts = append(pipelineOpts, memprog.WithProgressCallback(tracker.Report))
	} else {
		pipelineOpts = append(pipelineOpts, memprog.WithProgressCallback(lineProgress(out)))
	}

	if cfg.Metrics.Enabled {
		pipelineOpts = append(pipelineOpts, memprog.WithObserver(metrics.NewCollector()))
	}

	sessionOpts, err := cfg.sessionOptions()
	if err != nil {
		return err
	}
	session := dispatch.New(memprog.New(dev, pipelineOpts...), append(sessionOpts, dispatch.WithLogger(logger))...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return session.Program(gCtx, img)
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if u != nil {
		g.Go(func() error {
			select {
			case <-u.Done():
				return ui.ErrInterrupted
			case <-gCtx.Done():
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("flash failed", "error", err)
		return err
	}

	if opts.dump != "" {
		if err := dumpDevice(dev, l, opts.dump); err != nil {
			return err
		}
	}
	if u == nil {
		fmt.Fprintf(out, "\nprogrammed %d bytes in %d segments\n", img.Size(), len(img.Segments))
	}
	return nil
}

// lineProgress prints one line per report, rewriting it in place.
func lineProgress(out io.Writer) memprog.ProgressCallback {
	return func(p memprog.Progress) {
		fmt.Fprintf(out, "\r%-8s %3d%%  total %3d%%  0x%08X", p.Phase, p.PartialPercent, p.TotalPercent, p.LogicalAddress)
		if p.PartialPercent >= 100 {
			fmt.Fprintln(out)
		}
	}
}

func deviceName(cfg *Config) string {
	if cfg.Device.Type == "file" {
		return "file " + cfg.Device.Path
	}
	return "memory"
}

// dumpDevice writes the mapped range of dev to path. Unmapped gaps are
// written as erased bytes.
func dumpDevice(dev memprog.Device, l flash.Layout, path string) error {
	data := make([]byte, l.End()-l.Start())
	for i := range data {
		data[i] = flash.ErasedByte
	}
	for _, b := range l.Blocks {
		if err := dev.Read(b.Begin, data[b.Begin-l.Start():b.End-l.Start()]); err != nil {
			return fmt.Errorf("failed to read device: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}
