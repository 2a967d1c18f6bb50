package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"slabdb/pkg/config"
	"slabdb/pkg/integrity"
	"slabdb/pkg/migrate"
	"slabdb/pkg/storage"
)

const (
	exitOK               = 0
	exitValidationFailed = 1
	exitRepairFailed     = 2
	exitMigrationFailed  = 3
)

func usage() {
	fmt.Fprintf(os.Stderr, `slabdb - block file maintenance tool

Usage:
  slabdb stats    <file>
  slabdb validate [-mode quick|standard|deep|paranoid] <file>
  slabdb repair   [-allow-data-loss] [-level conservative|moderate|aggressive] [-no-backup] <file>
  slabdb migrate  <src> <dst>
  slabdb vacuum   <file>

Global flags:
  -config <path>   yaml engine configuration
  -v               verbose logging

Files ending in .sqlite or .db are treated as sqlite block stores by
the migrate command; everything else is a slab block file.
`)
}

func main() {
	configPath := flag.String("config", "", "yaml engine configuration")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(exitOK)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(exitValidationFailed)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	var code int
	switch args[0] {
	case "stats":
		code = runStats(ctx, args[1:], cfg, logger)
	case "validate":
		code = runValidate(ctx, args[1:], logger)
	case "repair":
		code = runRepair(ctx, args[1:], logger)
	case "migrate":
		code = runMigrate(ctx, args[1:], cfg, logger)
	case "vacuum":
		code = runVacuum(ctx, args[1:], cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		code = exitValidationFailed
	}
	os.Exit(code)
}

func runStats(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: slabdb stats <file>")
		return exitValidationFailed
	}

	eng, err := storage.Open(ctx, fs.Arg(0), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return exitValidationFailed
	}
	defer eng.Close()

	st := eng.Statistics()
	pageBytes := uint64(st.PageSize)
	fmt.Printf("File:           %s\n", st.Path)
	fmt.Printf("Size:           %s (%s pages of %s)\n",
		humanize.IBytes(uint64(st.TotalSize)),
		humanize.Comma(int64(st.Space.TotalPages)),
		humanize.IBytes(pageBytes))
	fmt.Printf("Blocks:         %d\n", st.BlockCount)
	fmt.Printf("Free space:     %s in %d extents (largest %s)\n",
		humanize.IBytes(st.Space.FreePages*pageBytes),
		st.Space.FreeExtents,
		humanize.IBytes(st.Space.LargestExtent*pageBytes))
	fmt.Printf("Fragmentation:  %.1f%%\n", st.Space.Fragmentation*100)
	fmt.Printf("WAL:            %d/%d entries, LSN %d\n",
		st.WALEntries, st.WALCapacity, st.WALCurrentLSN)
	return exitOK
}

func parseMode(s string) (integrity.Mode, error) {
	switch strings.ToLower(s) {
	case "quick":
		return integrity.Quick, nil
	case "standard":
		return integrity.Standard, nil
	case "deep":
		return integrity.Deep, nil
	case "paranoid":
		return integrity.Paranoid, nil
	default:
		return 0, fmt.Errorf("unknown validation mode %q", s)
	}
}

func runValidate(ctx context.Context, args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	modeStr := fs.String("mode", "standard", "quick|standard|deep|paranoid")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: slabdb validate [-mode ...] <file>")
		return exitValidationFailed
	}
	mode, err := parseMode(*modeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidationFailed
	}

	report, err := integrity.NewDetector(fs.Arg(0), logger).Validate(ctx, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		return exitValidationFailed
	}
	printReport(report)
	if report.Corrupted {
		return exitValidationFailed
	}
	return exitOK
}

func printReport(r *integrity.Report) {
	fmt.Printf("Mode:     %s\n", r.Mode)
	fmt.Printf("Scanned:  %s in %v (%d blocks)\n",
		humanize.IBytes(r.BytesScanned), r.ValidationTime.Round(0), r.BlocksValidated)
	fmt.Printf("Severity: %s\n", r.Severity)
	if len(r.Issues) == 0 {
		fmt.Println("No issues found.")
		return
	}
	fmt.Printf("Issues (%d):\n", len(r.Issues))
	for _, issue := range r.Issues {
		fmt.Printf("  - %s\n", issue)
	}
	if r.Repairable {
		fmt.Println("All issues are repairable; run `slabdb repair`.")
	} else {
		fmt.Println("Some issues need -allow-data-loss or manual intervention.")
	}
}

func parseLevel(s string) (integrity.Aggressiveness, error) {
	switch strings.ToLower(s) {
	case "conservative":
		return integrity.Conservative, nil
	case "moderate":
		return integrity.Moderate, nil
	case "aggressive":
		return integrity.Aggressive, nil
	default:
		return 0, fmt.Errorf("unknown repair level %q", s)
	}
}

func runRepair(ctx context.Context, args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	allowLoss := fs.Bool("allow-data-loss", false, "permit deleting damaged blocks")
	levelStr := fs.String("level", "conservative", "conservative|moderate|aggressive")
	noBackup := fs.Bool("no-backup", false, "skip the pre-repair backup")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: slabdb repair [flags] <file>")
		return exitRepairFailed
	}
	level, err := parseLevel(*levelStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRepairFailed
	}

	path := fs.Arg(0)
	report, err := integrity.NewDetector(path, logger).Validate(ctx, integrity.Deep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		return exitRepairFailed
	}
	if !report.Corrupted {
		fmt.Println("File is clean; nothing to repair.")
		return exitOK
	}
	printReport(report)

	opts := integrity.Options{
		CreateBackup:   !*noBackup,
		AllowDataLoss:  *allowLoss,
		Aggressiveness: level,
	}
	res, err := integrity.Repair(ctx, path, report, opts, logger)
	if res != nil && res.BackupPath != "" {
		fmt.Printf("Backup:   %s\n", res.BackupPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "repair: %v\n", err)
		return exitRepairFailed
	}
	for _, action := range res.Actions {
		fmt.Printf("  * %s\n", action)
	}
	fmt.Printf("Repair complete in %v.\n", res.Elapsed.Round(0))
	return exitOK
}

// openStore picks a backend by file extension.
func openStore(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger) (migrate.BlockStore, error) {
	if strings.HasSuffix(path, ".sqlite") || strings.HasSuffix(path, ".db") {
		return migrate.OpenSQLiteStore(path)
	}
	return migrate.OpenEngineStore(ctx, path, cfg, logger)
}

func runMigrate(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: slabdb migrate <src> <dst>")
		return exitMigrationFailed
	}

	src, err := openStore(ctx, fs.Arg(0), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open source: %v\n", err)
		return exitMigrationFailed
	}
	defer src.Close()

	dst, err := openStore(ctx, fs.Arg(1), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open destination: %v\n", err)
		return exitMigrationFailed
	}
	defer dst.Close()

	res, err := migrate.Copy(ctx, src, dst, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return exitMigrationFailed
	}
	fmt.Printf("Copied %d blocks (%s) in %v.\n",
		res.BlocksCopied, humanize.IBytes(res.BytesCopied), res.Elapsed.Round(0))
	return exitOK
}

func runVacuum(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("vacuum", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: slabdb vacuum <file>")
		return exitValidationFailed
	}

	eng, err := storage.Open(ctx, fs.Arg(0), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return exitValidationFailed
	}
	defer eng.Close()

	res, err := eng.Vacuum(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacuum: %v\n", err)
		return exitValidationFailed
	}
	fmt.Printf("Moved %d blocks, released %s (%s pages).\n",
		res.MovedBlocks,
		humanize.IBytes(res.ReleasedBytes),
		humanize.Comma(int64(res.ReleasedPages)))
	fmt.Printf("Fragmentation: %.1f%% -> %.1f%%\n",
		res.FragmentBefore*100, res.FragmentAfter*100)
	return exitOK
}
