// Package main provides the paradl command-line downloader.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	paradl "github.com/forest6511/paradl"
	"github.com/forest6511/paradl/pkg/config"
	"github.com/forest6511/paradl/pkg/ratelimit"
	"github.com/forest6511/paradl/pkg/types"
	"github.com/forest6511/paradl/pkg/validation"
)

var (
	flagOutputDir       string
	flagFilename        string
	flagMaxConcurrent   int
	flagSplit           int
	flagMaxConnsPerHost int
	flagSegmentSize     string
	flagNoResume        bool
	flagAutoSave        time.Duration
	flagNoAlwaysResume  bool
	flagAllocation      string
	flagMaxRate         string
	flagLogLevel        string
	flagVerbose         bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paradl [urls...]",
		Short: "A resumable, segmented HTTP(S) downloader",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDownload,
	}

	cmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "directory to write the downloaded file into")
	cmd.Flags().StringVar(&flagFilename, "filename", "", "explicit output filename (default: derived from the URL)")
	cmd.Flags().IntVar(&flagMaxConcurrent, "max-concurrent-downloads", 0, "maximum number of downloads to run at once")
	cmd.Flags().IntVar(&flagSplit, "split", 0, "maximum number of segments per download")
	cmd.Flags().IntVar(&flagMaxConnsPerHost, "max-connections-per-server", 0, "maximum simultaneous connections per download")
	cmd.Flags().StringVar(&flagSegmentSize, "segment-size", "", "minimum size per segment, e.g. 20MB")
	cmd.Flags().BoolVar(&flagNoResume, "no-resume", false, "disable control-file persistence and resume")
	cmd.Flags().DurationVar(&flagAutoSave, "auto-save-interval", 0, "interval between periodic control-file saves")
	cmd.Flags().BoolVar(&flagNoAlwaysResume, "no-always-resume", false, "allow silently restarting instead of failing on ambiguous resume state")
	cmd.Flags().StringVar(&flagAllocation, "allocation", "", "file allocation strategy: none, trunc, prealloc, falloc")
	cmd.Flags().StringVar(&flagMaxRate, "max-rate", "", "maximum aggregate download rate, e.g. 2MB")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "alias for --log-level=debug")

	return cmd
}

func runDownload(cmd *cobra.Command, urls []string) error {
	setupLogging()

	for _, u := range urls {
		if err := validation.ValidateURL(u); err != nil {
			return fmt.Errorf("invalid URL %q: %w", u, err)
		}
	}

	cfg := config.DefaultConfig()
	if err := applyFlagOverrides(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	outputDir := flagOutputDir
	if outputDir == "" {
		outputDir = cfg.OutputDirectory
	}
	if outputDir == "" {
		outputDir = "."
	}

	filename := flagFilename
	if filename == "" {
		filename = deriveFilenameFromURL(urls[0])
	}
	filename = validation.SanitizeFilename(filename)

	if err := validation.ValidateDestination(filepath.Join(outputDir, filename)); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	resumeSidecar, resumedFilename := findResumableSidecar(outputDir, filename)
	if resumedFilename != "" {
		filename = resumedFilename
		log.Info().Str("sidecar", resumeSidecar).Msg("resuming an in-progress download")
	} else {
		filename = uniqueFilename(outputDir, filename)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bar := newProgressBar(noColor())

	d := paradl.New(cfg)
	d.On(func(e types.Event) {
		logEvent(e)
		bar.handle(e)
	})

	handleInterruption(cancel, d)

	handle, err := d.Download(ctx, paradl.Options{
		URLs:             urls,
		OutputDirectory:  outputDir,
		Filename:         filename,
		MaxDownloadSpeed: cfg.MaxDownloadSpeed,
	})
	if err != nil {
		return err
	}

	if err := handle.Wait(); err != nil {
		log.Error().Err(err).Msg("download failed")
		return err
	}

	log.Info().Str("file", filepath.Join(outputDir, filename)).Msg("download complete")
	return nil
}

func applyFlagOverrides(cfg *config.Config) error {
	if flagMaxConcurrent > 0 {
		cfg.MaxConcurrentDownloads = flagMaxConcurrent
	}
	if flagSplit > 0 {
		cfg.Split = flagSplit
	}
	if flagMaxConnsPerHost > 0 {
		cfg.MaxConnectionsPerServer = flagMaxConnsPerHost
	}
	if flagSegmentSize != "" {
		n, err := config.ParseSegmentSize(flagSegmentSize)
		if err != nil {
			return fmt.Errorf("--segment-size: %w", err)
		}
		cfg.SegmentSize = config.ByteSize(n)
	}
	if flagNoResume {
		cfg.ResumeDownloads = false
	}
	if flagAutoSave > 0 {
		cfg.AutoSaveInterval = flagAutoSave
	}
	if flagNoAlwaysResume {
		cfg.AlwaysResume = false
	}
	if flagAllocation != "" {
		cfg.FileAllocation = types.FileAllocation(flagAllocation)
	}
	if flagMaxRate != "" {
		n, err := ratelimit.ParseRate(flagMaxRate)
		if err != nil {
			return fmt.Errorf("--max-rate: %w", err)
		}
		cfg.MaxDownloadSpeed = n
	}
	if flagOutputDir != "" {
		cfg.OutputDirectory = flagOutputDir
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	} else if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return nil
}

func setupLogging() {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor()}).With().Timestamp().Logger()
}

func noColor() bool {
	return os.Getenv("NO_COLOR") != ""
}

// logEvent structures every lifecycle event: start/complete at info, error at
// error, segment_error at warn, and the rest (progress and other segment
// events, which fire many times a second) at debug.
func logEvent(e types.Event) {
	fields := log.With().Str("task", e.TaskID).Str("event", string(e.Type))
	if e.Progress != nil {
		fields = fields.Float64("percent", e.Progress.Percent).Float64("speed", e.Progress.Speed)
	}
	if e.Segment != nil {
		fields = fields.Int("segment", e.Segment.Index)
	}
	logger := fields.Logger()

	switch e.Type {
	case types.EventStart, types.EventComplete:
		logger.Info().Msg(string(e.Type))
	case types.EventError:
		logger.Error().Err(e.Err).Msg(string(e.Type))
	case types.EventSegmentError:
		logger.Warn().Err(e.Err).Msg(string(e.Type))
	default:
		logger.Debug().Msg(string(e.Type))
	}
}

const (
	progressBarWidth = 30
	ansiGreen        = "\033[32m"
	ansiReset        = "\033[0m"
)

// progressBar renders a single refreshing line to stdout as EventProgress
// events arrive, separately from the structured zerolog stream on stderr.
type progressBar struct {
	mu      sync.Mutex
	noColor bool
	active  bool
}

func newProgressBar(noColor bool) *progressBar {
	return &progressBar{noColor: noColor}
}

func (b *progressBar) handle(e types.Event) {
	switch e.Type {
	case types.EventProgress:
		if e.Progress != nil {
			b.render(*e.Progress)
		}
	case types.EventComplete, types.EventError, types.EventCancel:
		b.finish()
	}
}

func (b *progressBar) render(p types.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filled := int(p.Percent / 100 * progressBarWidth)
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", progressBarWidth-filled)
	if !b.noColor {
		bar = ansiGreen + bar + ansiReset
	}

	fmt.Fprintf(os.Stdout, "\r[%s] %5.1f%%  %s/s  eta %ds", bar, p.Percent, humanBytes(p.Speed), int(p.ETA))
	b.active = true
}

func (b *progressBar) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		fmt.Fprintln(os.Stdout)
		b.active = false
	}
}

func humanBytes(n float64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%.0fB", n)
	}
	div, exp := float64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f%ciB", n/div, units[exp])
}

func handleInterruption(cancel context.CancelFunc, d *paradl.Downloader) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutting down, cancelling active downloads")
		d.CancelAll()
		cancel()
		d.AwaitDrain(10 * time.Second)
		os.Exit(0)
	}()
}

func deriveFilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := filepath.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	unescaped, err := url.PathUnescape(base)
	if err != nil {
		return base
	}
	return unescaped
}

// uniqueFilename appends a numeric suffix (name.1.ext, name.2.ext, ...) if
// the target already exists and no explicit filename was requested.
func uniqueFilename(dir, filename string) string {
	candidate := filename
	for i := 1; ; i++ {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return candidate
		}
		ext := filepath.Ext(filename)
		base := strings.TrimSuffix(filename, ext)
		candidate = fmt.Sprintf("%s.%d%s", base, i, ext)
	}
}

// findResumableSidecar searches dir for the most recently modified *.paradl
// sidecar matching filename's base name or a numbered variant, so the CLI
// resumes an interrupted download instead of starting a fresh numbered one.
func findResumableSidecar(dir, filename string) (sidecarPath, matchedFilename string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", ""
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	var bestPath string
	var bestModTime time.Time
	var bestFilename string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".paradl") {
			continue
		}
		candidateFile := strings.TrimSuffix(entry.Name(), ".paradl")
		candidateBase := strings.TrimSuffix(candidateFile, filepath.Ext(candidateFile))
		if !matchesBase(candidateBase, base) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if bestPath == "" || info.ModTime().After(bestModTime) {
			bestPath = filepath.Join(dir, entry.Name())
			bestModTime = info.ModTime()
			bestFilename = candidateFile
		}
	}

	if bestPath == "" {
		return "", ""
	}
	return bestPath, bestFilename
}

// matchesBase reports whether candidateBase is base itself or a numbered
// variant of it ("name" or "name.3").
func matchesBase(candidateBase, base string) bool {
	if candidateBase == base {
		return true
	}
	prefix := base + "."
	if !strings.HasPrefix(candidateBase, prefix) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(candidateBase, prefix))
	return err == nil
}
