// llst CLI - boots an image and runs its initial method to completion
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/hboon/llst/config"
	"github.com/hboon/llst/vm"
)

func main() {
	configPath := flag.String("c", "", "Path to llst.toml (optional)")
	imagePath := flag.String("image", "", "Image file to boot (overrides config)")
	heapKB := flag.Int("heap", 0, "Heap size in KB (overrides config)")
	collector := flag.String("collector", "", "Collector: generational or baker (overrides config)")
	ticks := flag.Uint("ticks", 0, "Tick budget per execute slice (overrides config)")
	telemetryPath := flag.String("gc-log", "", "Record telemetry snapshots to this sqlite database")
	verbosity := flag.Int("v", 0, "Log verbosity (0 quiet, 2 debug)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: llst [options] [image]\n\n")
		fmt.Fprintf(os.Stderr, "Boots a Smalltalk image and executes its initial method.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  llst base.image                # Run with defaults\n")
		fmt.Fprintf(os.Stderr, "  llst -c llst.toml              # Run per configuration file\n")
		fmt.Fprintf(os.Stderr, "  llst -collector baker x.image  # Plain semi-space collector\n")
		fmt.Fprintf(os.Stderr, "  llst -gc-log runs.db x.image   # Record telemetry snapshots\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("llst")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *imagePath != "" {
		cfg.Image.Path = *imagePath
	}
	if flag.NArg() > 0 {
		cfg.Image.Path = flag.Arg(0)
	}
	if *heapKB > 0 {
		cfg.Heap.SizeKB = *heapKB
	}
	if *collector != "" {
		cfg.Heap.Collector = *collector
	}
	if *ticks > 0 {
		cfg.Interpreter.TickSlice = uint32(*ticks)
	}
	if *telemetryPath != "" {
		cfg.Telemetry.Path = *telemetryPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Image.Path == "" {
		flag.Usage()
		os.Exit(1)
	}

	var mm vm.MemoryManager
	switch cfg.Heap.Collector {
	case config.CollectorBaker:
		mm = vm.NewBakerMemoryManager(cfg.Heap.SizeKB * 1024)
	default:
		mm = vm.NewGenerationalMemoryManager(cfg.Heap.SizeKB * 1024)
	}

	image, err := vm.LoadImageFile(mm, cfg.Image.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading image: %v\n", err)
		os.Exit(1)
	}

	machine := vm.NewVM(mm, image)
	log.Infof("vm %s booting %s", machine.ID, cfg.Image.Path)

	var recorder *vm.Recorder
	if cfg.Telemetry.Path != "" {
		recorder, err = vm.OpenRecorder(cfg.Telemetry.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer recorder.Close()
	}

	process, err := machine.NewProcess(image.InitialMethod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating process: %v\n", err)
		os.Exit(1)
	}
	mm.RegisterStaticRoot(&process)

	result := vm.ReturnTimeExpired
	for result == vm.ReturnTimeExpired {
		result = machine.Execute(process, cfg.Interpreter.TickSlice)
		if recorder != nil {
			if rerr := recorder.Record(machine.Snapshot()); rerr != nil {
				log.Errorf("telemetry: %v", rerr)
			}
		}
	}

	st := mm.Stats()
	log.Infof("finished: %s after %d ticks, %d collections (%d major), gc time %s",
		result, machine.TicksExecuted(), st.Collections, st.RightToLeftCollections,
		st.TotalCollectionDelay)

	os.Exit(int(result))
}
