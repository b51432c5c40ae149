// Command cellparse reads battery-cycler data files (BioLogic .mpr,
// Neware .nda/.ndax), prints a parse summary, and optionally exports the
// records to CSV/XLSX or into a SQLite store.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/voltaic-data/cellparse/cycle"
	"github.com/voltaic-data/cellparse/instrument"
	_ "github.com/voltaic-data/cellparse/instrument/biologic"
	_ "github.com/voltaic-data/cellparse/instrument/neware"
	"github.com/voltaic-data/cellparse/internal/export"
	"github.com/voltaic-data/cellparse/internal/monitoring"
	"github.com/voltaic-data/cellparse/internal/store"
	"github.com/voltaic-data/cellparse/internal/version"
)

var (
	pinVersion    = flag.Int("version", 0, "Pin the instrument software version (0 = detect)")
	outDir        = flag.String("out", "", "Output directory for exports (default: next to each input)")
	writeCSV      = flag.Bool("csv", false, "Export records to <file>.csv")
	writeXLSX     = flag.Bool("xlsx", false, "Export records to <file>.xlsx")
	dbPath        = flag.String("db", "", "Record parsed sequences into this SQLite database")
	area          = flag.Float64("area", 1, "Electrode area for specific capacity (cm^2)")
	platingStep   = flag.Int("plating-step", 0, "Step number of the plating half cycle (0 = no cycle summary)")
	strippingStep = flag.Int("stripping-step", 0, "Step number of the stripping half cycle")
	platingHalf   = flag.Int("plating-half", 1, "Half-cycle number of the first plating step")
	strippingHalf = flag.Int("stripping-half", 2, "Half-cycle number of the first stripping step")
	workers       = flag.Int("workers", 4, "Files to parse concurrently")
	showVersion   = flag.Bool("V", false, "Print build version and exit")
)

type result struct {
	path      string
	seq       *instrument.Sequence
	summaries []export.CycleSummary
	err       error
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] file.mpr [file.nda ...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *workers < 1 {
		log.Fatal("workers must be at least 1")
	}

	var db *store.Store
	if *dbPath != "" {
		var err error
		db, err = store.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
	}

	// Files parse concurrently; database writes and reporting stay on
	// this goroutine.
	jobs := make(chan string)
	results := make(chan result)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				results <- parseOne(path)
			}
		}()
	}
	go func() {
		for _, path := range files {
			jobs <- path
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	failed := 0
	for res := range results {
		if res.err != nil {
			monitoring.Logf("%s: %v", res.path, res.err)
			failed++
			continue
		}
		report(res)
		if db != nil {
			id, err := db.SaveSequence(res.seq)
			if err != nil {
				log.Fatalf("failed to store %s: %v", res.path, err)
			}
			fmt.Printf("  stored as session %s\n", id)
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d files failed", failed, len(files))
	}
}

func parseOne(path string) result {
	format, err := instrument.ForPath(path)
	if err != nil {
		return result{path: path, err: err}
	}

	var opts []instrument.Option
	if *pinVersion != 0 {
		opts = append(opts, instrument.WithSoftwareVersion(*pinVersion))
	}

	seq, err := instrument.New(format, opts...).FromFile(path)
	if err != nil {
		return result{path: path, err: err}
	}

	res := result{path: path, seq: seq}
	if *platingStep != 0 {
		res.summaries, err = summarize(seq)
		if err != nil {
			return result{path: path, err: fmt.Errorf("cycle summary: %w", err)}
		}
	}

	if err := exportOne(path, res); err != nil {
		return result{path: path, err: err}
	}
	return res
}

func summarize(seq *instrument.Sequence) ([]export.CycleSummary, error) {
	e, err := cycle.New(seq, *area)
	if err != nil {
		return nil, err
	}
	return export.Summarize(e,
		cycle.HalfCycleRef{Step: *platingStep, HalfCycle: *platingHalf},
		cycle.HalfCycleRef{Step: *strippingStep, HalfCycle: *strippingHalf},
	)
}

func exportOne(path string, res result) error {
	if !*writeCSV && !*writeXLSX {
		return nil
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	if *outDir != "" {
		base = filepath.Join(*outDir, filepath.Base(base))
	}

	if *writeCSV {
		f, err := os.Create(base + ".csv")
		if err != nil {
			return err
		}
		if err := export.WriteCSV(f, res.seq, nil); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		monitoring.Logf("wrote %s.csv", base)
	}

	if *writeXLSX {
		if err := export.WriteXLSX(base+".xlsx", res.seq, nil, res.summaries); err != nil {
			return err
		}
		monitoring.Logf("wrote %s.xlsx", base)
	}

	return nil
}

func report(res result) {
	seq := res.seq
	fmt.Printf("%s: %s v%d, %d records, %d steps, %d warnings\n",
		res.path, seq.Provenance.Instrument, seq.Provenance.SoftwareVersion,
		seq.Len(), len(seq.Steps), len(seq.Warnings))
	for _, w := range seq.Warnings {
		if w.Module != "" {
			fmt.Printf("  warning [%s]: %v\n", w.Module, w.Err)
		} else {
			fmt.Printf("  warning: %v\n", w.Err)
		}
	}
	for i, s := range res.summaries {
		fmt.Printf("  cycle %d: plated %.4f, stripped %.4f, CE %.4f\n",
			i+1, s.PlatingCapacity, s.StrippingCapacity, s.CoulombicEfficiency)
	}
}
