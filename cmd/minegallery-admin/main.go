// Package main is the entry point for minegallery-admin, the gallery
// maintenance tool. It talks to the same blob store as the server and
// performs the administrative operations that are deliberately kept off
// the HTTP API: consistency scans, orphan pruning, manifest repair,
// export/import, and the last-resort manifest reset.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/minegallery/minegallery/internal/blobstore"
	"github.com/minegallery/minegallery/internal/config"
	"github.com/minegallery/minegallery/internal/logging"
	"github.com/minegallery/minegallery/internal/manifest"
)

const usage = `Usage: minegallery-admin <command> [flags]

Commands:
  scan     Report orphaned blobs and dangling manifest records
  show     Print the manifest contents
  prune    Delete orphaned blobs (requires -confirm)
  repair   Remove dangling manifest records (requires -confirm)
  export   Write the manifest to a file or stdout
  import   Replace the manifest from a file (requires -confirm)
  reset    Overwrite the manifest with an empty index (requires -confirm)

Run 'minegallery-admin <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var rc int
	switch os.Args[1] {
	case "scan":
		rc = runScan(os.Args[2:])
	case "show":
		rc = runShow(os.Args[2:])
	case "prune":
		rc = runPrune(os.Args[2:])
	case "repair":
		rc = runRepair(os.Args[2:])
	case "export":
		rc = runExport(os.Args[2:])
	case "import":
		rc = runImport(os.Args[2:])
	case "reset":
		rc = runReset(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", os.Args[1], usage)
		rc = 2
	}
	os.Exit(rc)
}

// openEnv loads the config and opens the blob store and repository.
func openEnv(configPath string) (*manifest.Repository, blobstore.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	store, err := blobstore.Open(context.Background(), cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return manifest.NewRepository(store, slog.Default()), store, nil
}

// runScan reports gallery consistency. Exit code 0 means clean, 1 means
// orphans or dangling records were found, 2 means the scan itself failed.
func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	fs.Parse(args)

	repo, store, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	rec := manifest.NewReconciler(store, repo, slog.Default())
	report, err := rec.Scan(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning: %v\n", err)
		return 2
	}

	if *asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
			return 2
		}
		fmt.Println(string(out))
	} else {
		printReport(report)
	}

	if report.Clean() {
		return 0
	}
	return 1
}

func printReport(report *manifest.Report) {
	fmt.Printf("Albums:  %d\n", report.Albums)
	fmt.Printf("Records: %d\n", report.Records)
	fmt.Printf("Blobs:   %d\n", report.Blobs)

	fmt.Printf("Orphaned blobs: %d\n", len(report.Orphans))
	for _, p := range report.Orphans {
		fmt.Printf("  %s\n", p)
	}
	fmt.Printf("Dangling records: %d\n", len(report.Dangling))
	for _, d := range report.Dangling {
		fmt.Printf("  %s (album %s)\n", d.Path, d.Album)
	}
	if report.Clean() {
		fmt.Println("Gallery is consistent.")
	}
}

func runShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	fs.Parse(args)

	repo, _, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	m, err := repo.Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 2
	}

	for _, name := range m.AlbumNames() {
		fmt.Printf("%s (%d images)\n", name, len(m.Albums[name]))
		for _, rec := range m.Albums[name] {
			fmt.Printf("  %s  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Path)
		}
	}
	fmt.Printf("%d album(s), %d image(s)\n", len(m.Albums), m.TotalImages())
	return 0
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	confirm := fs.Bool("confirm", false, "actually delete orphaned blobs")
	fs.Parse(args)

	repo, store, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	rec := manifest.NewReconciler(store, repo, slog.Default())

	if !*confirm {
		report, err := rec.Scan(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning: %v\n", err)
			return 2
		}
		fmt.Printf("Would prune %d orphaned blob(s):\n", len(report.Orphans))
		for _, p := range report.Orphans {
			fmt.Printf("  %s\n", p)
		}
		fmt.Println("Re-run with -confirm to delete them.")
		return 0
	}

	n, err := rec.PruneOrphans(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error pruning (removed %d before failing): %v\n", n, err)
		return 2
	}
	fmt.Printf("Pruned %d orphaned blob(s).\n", n)
	return 0
}

func runRepair(args []string) int {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	confirm := fs.Bool("confirm", false, "actually remove dangling records")
	fs.Parse(args)

	repo, store, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	rec := manifest.NewReconciler(store, repo, slog.Default())

	if !*confirm {
		report, err := rec.Scan(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning: %v\n", err)
			return 2
		}
		fmt.Printf("Would remove %d dangling record(s):\n", len(report.Dangling))
		for _, d := range report.Dangling {
			fmt.Printf("  %s (album %s)\n", d.Path, d.Album)
		}
		fmt.Println("Re-run with -confirm to remove them.")
		return 0
	}

	_, n, err := rec.RepairDangling(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error repairing: %v\n", err)
		return 2
	}
	fmt.Printf("Removed %d dangling record(s).\n", n)
	return 0
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	output := fs.String("output", "-", "output file path (- for stdout)")
	raw := fs.Bool("raw", false, "dump the stored bytes without decoding (works on a corrupt manifest)")
	fs.Parse(args)

	repo, store, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	var data []byte
	if *raw {
		blob, err := store.Read(context.Background(), manifest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading manifest: %v\n", err)
			return 2
		}
		if blob == nil {
			fmt.Fprintln(os.Stderr, "Error: no manifest stored")
			return 2
		}
		data = blob.Data
	} else {
		m, err := repo.Load(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest (try -raw to dump it anyway): %v\n", err)
			return 2
		}
		data, err = m.Encode()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding manifest: %v\n", err)
			return 2
		}
	}

	if *output == "-" {
		os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 2
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	input := fs.String("input", "", "manifest JSON file to import")
	confirm := fs.Bool("confirm", false, "actually replace the stored manifest")
	fs.Parse(args)

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: -input is required")
		return 2
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 2
	}
	// Decode validates the file and migrates the legacy format, so a bad
	// import is rejected before anything is written.
	m, err := manifest.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: input is not a valid manifest: %v\n", err)
		return 2
	}

	if !*confirm {
		fmt.Printf("Would import %d album(s) with %d image(s) from %s.\n", len(m.Albums), m.TotalImages(), *input)
		fmt.Println("Re-run with -confirm to replace the stored manifest.")
		return 0
	}

	repo, _, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := repo.Commit(context.Background(), m, "Import manifest"); err != nil {
		fmt.Fprintf(os.Stderr, "Error committing manifest: %v\n", err)
		return 2
	}
	fmt.Printf("Imported %d album(s) with %d image(s).\n", len(m.Albums), m.TotalImages())
	return 0
}

// runReset overwrites the manifest with an empty index. It is the
// recovery path for a corrupt manifest: the API refuses to serve one,
// and reset is the explicit operator decision to start over. Blobs are
// left in place; they show up as orphans in the next scan.
func runReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", "minegallery.yaml", "config file path")
	confirm := fs.Bool("confirm", false, "actually overwrite the manifest")
	fs.Parse(args)

	if !*confirm {
		fmt.Println("reset replaces the manifest with an empty index, discarding all album records.")
		fmt.Println("Stored blobs are kept and become orphans ('scan' will list them, 'prune -confirm' deletes them).")
		fmt.Println("Consider 'export -raw -output backup.json' first. Re-run with -confirm to proceed.")
		return 0
	}

	repo, _, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := repo.Commit(context.Background(), manifest.New(), "Reset manifest to empty index"); err != nil {
		fmt.Fprintf(os.Stderr, "Error resetting manifest: %v\n", err)
		return 2
	}
	fmt.Println("Manifest reset to an empty index.")
	return 0
}
