package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/pismo/internal/config"
	"github.com/schaermu/pismo/internal/merge"
	"github.com/schaermu/pismo/internal/registry"
	"github.com/schaermu/pismo/internal/remote"
	"github.com/schaermu/pismo/internal/scan"
	"github.com/schaermu/pismo/internal/sync"
	"github.com/schaermu/pismo/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	noUpdate  bool
	noCache   bool
	mergeMode string
	dryRun    bool
	port      int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pismo",
	Short: "Synchronize directory trees through explicit merge plans",
	Long: `pismo records snapshots of directory trees, compares them and writes merge
plans that bring one tree in line with another. Plans are plain JSON files that
can be reviewed before they are applied.

Trees may live on this machine or on a remote host running "pismo server".`,
	SilenceUsage: true,
}

var addCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Track a directory as a named tree",
	Args:  cobra.ExactArgs(2),
	RunE:  runAdd,
}

var updateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Rescan a tracked tree and record its new snapshot",
	Long: `Update walks the tree root, hashes new or changed files and stores the new
snapshot. Files whose size and modification time did not change keep their
previous hash unless --nocache is given.

Interrupting an update keeps what was scanned so far and the previous records
for everything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var lsCmd = &cobra.Command{
	Use:   "ls [remote]",
	Short: "List tracked trees, locally or on a remote",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <base> <other> <output>",
	Short: "Write a merge plan bringing other in line with base",
	Long: `Merge compares the snapshots of two trees and writes the operations needed
to reconcile them to <output>. Trees are named as "name" for local trees or
"remote:name" for trees served by a remote.

Modes:
  one-way-mirror  make other an exact copy of base
  two-way-sync    copy in both directions, base wins on conflicts
  one-way-add     copy from base to other, never remove anything`,
	Args: cobra.ExactArgs(3),
	RunE: runMerge,
}

var applyCmd = &cobra.Command{
	Use:   "apply <mergefile>",
	Short: "Execute a merge plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the local trees to other pismo instances",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

var watchCmd = &cobra.Command{
	Use:   "watch <name>",
	Short: "Update a tree whenever files below its root change",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage remote servers",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a remote server",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteAdd,
}

var remoteLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List remote servers",
	Args:  cobra.NoArgs,
	RunE:  runRemoteLs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pismo %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pismo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	addCmd.Flags().BoolVar(&noUpdate, "no-update", false, "register the tree without scanning it")
	updateCmd.Flags().BoolVar(&noCache, "nocache", false, "rehash every file instead of reusing unchanged hashes")
	mergeCmd.Flags().StringVar(&mergeMode, "mode", string(merge.ModeMirror),
		"merge mode ("+strings.Join(modeNames(), ", ")+")")
	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	serverCmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides serve.listen_addr)")

	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteLsCmd)

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(versionCmd)
}

func modeNames() []string {
	names := make([]string, 0, len(merge.Modes))
	for _, m := range merge.Modes {
		names = append(names, string(m))
	}
	return names
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	reg    *registry.Registry
	engine *sync.Engine
	logger *slog.Logger
	closer io.Closer
}

func (a *app) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func newApp(engineDryRun bool) (*app, error) {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var closer io.Closer
	if cfg.Log.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		logger = setupLogger(io.MultiWriter(os.Stderr, rotating))
		closer = rotating
	}

	reg, err := registry.Open(cfg.Paths.StateDir, cfg.RemoteURLs())
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	scanner := scan.NewScanner(logger, scan.WithWorkers(cfg.Scan.Workers))

	return &app{
		cfg:    cfg,
		reg:    reg,
		engine: sync.NewEngine(reg, scanner, logger, engineDryRun),
		logger: logger,
		closer: closer,
	}, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	res, err := a.engine.Add(ctx, args[0], args[1], !noUpdate)
	if err != nil {
		a.logger.Error("add failed", "error", err)
		return err
	}

	if res == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "added tree %s\n", args[0])
		return nil
	}
	printUpdate(cmd.OutOrStdout(), res)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	res, err := a.engine.Update(ctx, args[0], noCache)
	if err != nil {
		a.logger.Error("update failed", "error", err)
		return err
	}

	printUpdate(cmd.OutOrStdout(), res)
	return nil
}

func printUpdate(w io.Writer, res *sync.UpdateResult) {
	state := "completely"
	if res.Partial {
		state = "partially"
	}
	fmt.Fprintf(w, "tree %s %s updated: %d added, %d modified, %d removed\n",
		res.Name, state, len(res.Summary.Added), len(res.Summary.Modified), len(res.Summary.Removed))
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	remoteName := ""
	if len(args) == 1 {
		remoteName = args[0]
	}

	infos, err := a.engine.Trees(ctx, remoteName)
	if err != nil {
		return err
	}

	return printTrees(cmd.OutOrStdout(), infos)
}

func printTrees(w io.Writer, infos []sync.TreeInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROOT\tFILES\tSIZE\tUPDATED")
	for _, info := range infos {
		updated := "never"
		if !info.LastUpdated.IsZero() {
			updated = humanize.Time(info.LastUpdated)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			info.Name, info.Root, info.Files, humanize.Bytes(uint64(info.Bytes)), updated)
	}
	return tw.Flush()
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	mode, err := merge.ParseMode(mergeMode)
	if err != nil {
		return err
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	plan, err := a.engine.Merge(ctx, args[0], args[1], mode, args[2])
	if err != nil {
		a.logger.Error("merge failed", "error", err)
		return err
	}

	stats := plan.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d copy, %d touch, %d rm\n",
		args[2], stats.Copy, stats.Touch, stats.Remove)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(dryRun)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	res, err := a.engine.Apply(ctx, args[0])
	if err != nil {
		a.logger.Error("apply failed", "error", err)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "copied %d (%s), touched %d, removed %d\n",
		res.Copied, humanize.Bytes(uint64(res.Bytes)), res.Touched, res.Removed)
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	addr := a.cfg.Serve.ListenAddr
	if port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	srv := remote.NewServer(a.reg, a.logger)
	if err := srv.Start(ctx, addr); err != nil {
		a.logger.Error("server failed", "error", err)
		return err
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	name := args[0]
	root, err := a.reg.Root(name)
	if err != nil {
		return err
	}

	w, err := watch.New(root, watch.DefaultDelay, a.logger)
	if err != nil {
		return err
	}

	update := func(ctx context.Context) {
		res, err := a.engine.Update(ctx, name, false)
		if err != nil {
			a.logger.Error("update failed", "name", name, "error", err)
			return
		}
		printUpdate(cmd.OutOrStdout(), res)
	}

	// bring the snapshot up to date before waiting for changes
	update(ctx)
	if ctx.Err() != nil {
		return nil
	}

	return w.Run(ctx, update)
}

func runRemoteAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	if err := a.reg.AddRemote(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added remote %s -> %s\n", args[0], args[1])
	return nil
}

func runRemoteLs(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	remotes, err := a.reg.Remotes()
	if err != nil {
		return err
	}
	return printRemotes(cmd.OutOrStdout(), remotes)
}

func printRemotes(w io.Writer, remotes map[string]string) error {
	names := make([]string, 0, len(remotes))
	for name := range remotes {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, remotes[name])
	}
	return tw.Flush()
}

func setupLogger(out io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file. Without --config a missing default file
// yields the default configuration.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "pismo", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Debug("no config file, using defaults", "path", configPath)
		cfg, err = config.Default()
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("configuration loaded",
		"state_dir", cfg.Paths.StateDir,
		"workers", cfg.Scan.Workers,
		"listen_addr", cfg.Serve.ListenAddr,
		"remotes", len(cfg.Remotes))

	return cfg, nil
}

// setupSignalHandler cancels the context on the first SIGINT or SIGTERM.
// Later signals are swallowed until the returned cancel runs, so teardown
// work such as saving a partial snapshot is not killed.
func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				cancel()
			case <-done:
				return
			}
		}
	}()

	var once gosync.Once
	return ctx, func() {
		once.Do(func() { close(done) })
		cancel()
	}
}
