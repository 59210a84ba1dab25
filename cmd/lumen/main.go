// Lumen CLI - loads a compiled module and runs it on the scheduler
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/tliron/commonlog/simple"

	"github.com/lumenlang/lumen/manifest"
	"github.com/lumenlang/lumen/sched"
	"github.com/lumenlang/lumen/trace"
	"github.com/lumenlang/lumen/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	entry := flag.String("m", "", "Entry cell (overrides the manifest's entry)")
	workers := flag.Int("workers", 0, "Worker count (0 = number of CPUs)")
	fuel := flag.Int("fuel", 0, "Instruction budget per scheduling slice")
	deterministic := flag.Bool("d", false, "Deterministic single-worker scheduling")
	traceRun := flag.Bool("trace", false, "Record the run trace")
	listRuns := flag.Bool("runs", false, "List stored run traces and exit")
	disasm := flag.Bool("dis", false, "Disassemble the module and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lumen [options] module.lmod [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Lumen module. Configuration is read from the\n")
		fmt.Fprintf(os.Stderr, "nearest lumen.toml; flags override it.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lumen app.lmod                   # Run the manifest entry cell\n")
		fmt.Fprintf(os.Stderr, "  lumen -m agent.loop app.lmod     # Run a specific cell\n")
		fmt.Fprintf(os.Stderr, "  lumen -d -trace app.lmod         # Deterministic run with trace recording\n")
		fmt.Fprintf(os.Stderr, "  lumen -dis app.lmod              # Print the bytecode\n")
	}
	flag.Parse()

	mf := loadManifest()

	if *listRuns {
		listStoredRuns(mf)
		return
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	modPath := flag.Arg(0)

	raw, err := os.ReadFile(modPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", modPath, err)
		os.Exit(1)
	}
	module, err := vm.UnmarshalModule(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding %s: %v\n", modPath, err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Loaded %s (%d cells, %d process declarations)\n",
			filepath.Base(modPath), len(module.Cells), len(module.Processes))
	}

	if *disasm {
		for i := range module.Cells {
			fmt.Print(module.Cells[i].Disassemble())
			fmt.Println()
		}
		return
	}

	cfg := sched.Config{
		Workers:       mf.Runtime.Workers,
		Fuel:          mf.Runtime.Fuel,
		Deterministic: mf.Runtime.Deterministic,
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *fuel > 0 {
		cfg.Fuel = *fuel
	}
	if *deterministic {
		cfg.Deterministic = true
	}

	mach := vm.NewMachine(module)
	s := sched.New(mach, cfg)

	var rec *trace.Recorder
	if *traceRun || mf.Trace.Enabled {
		rec = trace.NewRecorder()
		mach.Tracer = rec
		s.Tracer = rec
	}

	entryCell := mf.Project.Entry
	if *entry != "" {
		entryCell = *entry
	}
	args := make([]vm.Value, 0, flag.NArg()-1)
	for _, a := range flag.Args()[1:] {
		args = append(args, vm.FromString(a))
	}

	s.Start()
	result, runErr := s.RunMain(entryCell, args, mf.GrantSet())
	s.Stop()

	if rec != nil {
		saveTrace(mf, rec, *verbose)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
	if !result.IsNull() {
		fmt.Println(result.String())
	}
}

// loadManifest finds the nearest lumen.toml, falling back to defaults
// when there is none.
func loadManifest() *manifest.Manifest {
	cwd, err := os.Getwd()
	if err == nil {
		if mf, merr := manifest.FindAndLoad(cwd); merr == nil && mf != nil {
			return mf
		}
	}
	return &manifest.Manifest{Project: manifest.Project{Entry: "main"}}
}

func saveTrace(mf *manifest.Manifest, rec *trace.Recorder, verbose bool) {
	path := mf.TraceStorePath()
	if path == "" {
		path = ".lumen/traces.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating trace directory: %v\n", err)
		return
	}
	store, err := trace.OpenStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening trace store: %v\n", err)
		return
	}
	defer store.Close()
	if err := store.Save(rec); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving trace: %v\n", err)
		return
	}
	if verbose {
		hash, _ := rec.Hash()
		fmt.Printf("Trace %s (%d events, sha256 %s)\n", rec.RunID, rec.Len(), hash)
	}
}

func listStoredRuns(mf *manifest.Manifest) {
	path := mf.TraceStorePath()
	if path == "" {
		path = ".lumen/traces.db"
	}
	store, err := trace.OpenStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening trace store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	runs, err := store.Runs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing runs: %v\n", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %6d events  %s\n",
			r.ID, r.Created.Format("2006-01-02 15:04:05"), r.Events, r.Hash[:16])
	}
}
