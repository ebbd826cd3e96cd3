// Quill CLI - inspect and disassemble lazy code containers
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/quillvm/quill/manifest"
	"github.com/quillvm/quill/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	disasmIndex := flag.Int("d", -1, "Disassemble the code object at the given index")
	quicken := flag.Bool("quicken", false, "Warm up and quicken units before disassembly")
	showStats := flag.Bool("stats", false, "Print engine specialization statistics")
	verbosity := flag.Int("v", 0, "Log verbosity (0-4)")
	projectDir := flag.String("p", "", "Project directory containing quill.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quill [options] <container>\n\n")
		fmt.Fprintf(os.Stderr, "Inspects a quill lazy code container.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  quill app.qlc              # Show header and tables\n")
		fmt.Fprintf(os.Stderr, "  quill -d 0 app.qlc         # Disassemble code object 0\n")
		fmt.Fprintf(os.Stderr, "  quill -d 0 -quicken app.qlc  # Disassemble its quickened form\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	m := manifest.Default()
	if *projectDir != "" {
		loaded, err := manifest.Load(*projectDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		m = loaded
	}
	if *verbosity == 0 {
		*verbosity = m.Engine.LogVerbosity
	}
	commonlog.Configure(*verbosity, nil)

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading container: %v\n", err)
		os.Exit(1)
	}
	container, err := vm.OpenContainer(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening container: %v\n", err)
		os.Exit(1)
	}

	engine := vm.NewEngine()
	engine.Adaptive = m.Engine.Adaptive
	if path := m.StatsDBPath(); path != "" {
		store, err := vm.OpenStatsStore(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening stats store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		engine.AttachStatsStore(store)
	}

	if *disasmIndex >= 0 {
		if err := disassemble(engine, container, uint32(*disasmIndex), *quicken); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		inspect(container)
	}

	if *showStats {
		engine.LogStats()
	}
}

// inspect prints the container's header, metadata and table sizes.
func inspect(c *vm.Container) {
	h := c.Header()
	fmt.Printf("magic:     %q\n", h.Magic[:])
	fmt.Printf("version:   %d\n", h.Version)
	fmt.Printf("flags:     0x%04X\n", h.Flags)
	fmt.Printf("size:      %d bytes\n", h.TotalSize)
	meta := c.Metadata()
	if meta.Name != "" {
		fmt.Printf("name:      %s\n", meta.Name)
	}
	if meta.Producer != "" {
		fmt.Printf("producer:  %s\n", meta.Producer)
	}
	fmt.Printf("code objects: %d\n", c.NumCodeObjects())
	fmt.Printf("constants:    %d\n", len(c.Consts()))
}

// disassemble hydrates one unit and prints its listing, optionally after
// driving it through warmup to its quickened form.
func disassemble(engine *vm.Engine, c *vm.Container, index uint32, quicken bool) error {
	co, err := c.NewDehydrated(index)
	if err != nil {
		return err
	}
	if err := co.Hydrate(); err != nil {
		return err
	}
	if quicken {
		for !co.IsQuickened() && !co.TooLargeToQuicken() {
			if _, err := engine.WarmupTick(co); err != nil {
				return err
			}
		}
	}
	fmt.Print(co.Disassemble())
	return nil
}
