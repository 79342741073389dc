// kvm CLI - runs programs on the konjac abstract machine
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/konjac-lang/abstract-machine/manifest"
	"github.com/konjac-lang/abstract-machine/vm"
	"github.com/konjac-lang/abstract-machine/vm/snapshot"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	configDir := flag.String("c", "", "Directory containing machine.toml")
	demo := flag.Bool("demo", false, "Run the built-in ping-pong demo")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kvm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the konjac abstract machine.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kvm --demo             # Run the ping-pong demo\n")
		fmt.Fprintf(os.Stderr, "  kvm -c . --demo        # Same, configured from ./machine.toml\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg := vm.DefaultConfig()
	var crashPath string
	if *configDir != "" {
		m, err := manifest.Load(*configDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		cfg, err = m.Config()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		crashPath = m.CrashStorePath()
	}

	engine := vm.NewEngine(cfg)
	if crashPath != "" {
		store, err := snapshot.NewStore(crashPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening crash store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		engine.Crashes().SetSink(store)
	}

	if !*demo {
		flag.Usage()
		os.Exit(2)
	}

	runDemo(engine)

	stats := engine.Statistics()
	fmt.Printf("iterations=%d spawned=%d exited=%d sent=%d delivered=%d\n",
		stats.Iterations.Load(), stats.Spawned.Load(), stats.Exited.Load(),
		stats.Sent.Load(), stats.Delivered.Load())
}

// runDemo spawns a responder and a pinger and drives the loop to quiescence.
func runDemo(engine *vm.Engine) {
	responder := []vm.Instruction{
		vm.Instr(vm.OpReceive),
		vm.Instr(vm.OpPop),
		vm.Instr(vm.OpPushString, vm.StringValue("main")),
		vm.Instr(vm.OpWhereis),
		vm.Instr(vm.OpPushString, vm.StringValue("pong")),
		vm.Instr(vm.OpSend),
		vm.Instr(vm.OpHalt),
	}
	pinger := []vm.Instruction{
		vm.Instr(vm.OpSelf),
		vm.Instr(vm.OpPushString, vm.StringValue("main")),
		vm.Instr(vm.OpRegister),
		vm.Instr(vm.OpPop),
		vm.Instr(vm.OpPushInstructions, vm.InstructionsValue(responder)),
		vm.Instr(vm.OpSpawn),
		vm.Instr(vm.OpPushString, vm.StringValue("ping")),
		vm.Instr(vm.OpSend),
		vm.Instr(vm.OpReceive),
		vm.Instr(vm.OpHalt),
	}

	p, err := engine.NewProcess(pinger, vm.SpawnOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error spawning: %v\n", err)
		os.Exit(1)
	}
	engine.Run()

	if len(p.Stack) > 0 {
		fmt.Printf("pinger received: %s\n", p.Stack[len(p.Stack)-1])
	}
}
