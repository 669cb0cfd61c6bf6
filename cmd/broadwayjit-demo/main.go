// main.go - a runnable demonstration harness wiring every subsystem together
//
// License: GPLv3 or later

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/codearena"
	"github.com/kestrelemu/broadwayjit/config"
	"github.com/kestrelemu/broadwayjit/dispatch"
	"github.com/kestrelemu/broadwayjit/faulthandler"
	"github.com/kestrelemu/broadwayjit/fifo"
	"github.com/kestrelemu/broadwayjit/hlehooks"
	"github.com/kestrelemu/broadwayjit/hostcode"
	"github.com/kestrelemu/broadwayjit/ppcstate"
	"github.com/kestrelemu/broadwayjit/translator"
)

func main() {
	imagePath := flag.String("image", "", "raw big-endian PowerPC image to load at -base")
	base := flag.Uint("base", 0x80003000, "guest address the image is loaded at")
	entry := flag.Uint("entry", 0x80003000, "guest PC to begin execution at")
	steps := flag.Uint("steps", 1000, "maximum blocks to dispatch before stopping")
	noBlockCache := flag.Bool("no-block-cache", false, "disable the block cache (debug aid)")
	noBlockLinking := flag.Bool("no-block-linking", false, "disable direct block-to-block linking (debug aid)")
	syncMode := flag.String("sync-gpu", "dual-nondet", "sync_gpu mode: single-core, dual-nondet, dual-det")
	flag.Parse()

	tun := config.Default()
	tun.NoBlockCache = *noBlockCache
	tun.NoBlockLinking = *noBlockLinking
	switch *syncMode {
	case "single-core":
		tun.SyncGPU = config.SingleCore
	case "dual-det":
		tun.SyncGPU = config.DualCoreDeterministic
	default:
		tun.SyncGPU = config.DualCoreNonDeterministic
	}

	decoder := &countingDecoder{}
	sync := fifo.New(tun, decoder)

	mem := ppcstate.NewMemory(sync, 0xCC008000)
	state := ppcstate.New()
	state.PC = uint32(*entry)

	if *imagePath != "" {
		img, err := os.ReadFile(*imagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "broadwayjit-demo: %v\n", err)
			os.Exit(1)
		}
		loadImage(mem, uint32(*base), img)
	}

	arena, err := codearena.New(codearena.DefaultSizes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "broadwayjit-demo: code arena: %v\n", err)
		os.Exit(1)
	}
	defer arena.Close()

	bc := blockcache.New(tun.NoBlockLinking)
	fastmem := hostcode.NewFastMemWindow()
	guard, err := codearena.NewExecStack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "broadwayjit-demo: exec stack: %v\n", err)
		os.Exit(1)
	}
	defer guard.Close()
	backpatch := faulthandler.New(arena, guard, bc)
	hooks := hlehooks.New(mem)
	breakpoints := hlehooks.NewBreakpoints()

	trCfg := translator.Config{
		NoBlockCache:     tun.NoBlockCache,
		NoBlockLinking:   tun.NoBlockLinking,
		MMUChecksEnabled: true,
		GatherPipeBase:   0xCC008000,
	}
	tr := translator.New(arena, bc, mem, state, fastmem, backpatch, guard, hooks, breakpoints, trCfg)

	ctx := &hostcode.ExecContext{
		State:     state,
		Mem:       mem,
		FastMem:   fastmem,
		Interp:    map[uint32]hostcode.InterpFunc{},
		Hooks:     hooks.BuildHookMap(),
		Backpatch: backpatch,
		Guard:     guard,
	}

	timing := func(s *ppcstate.State) { s.Downcount = 100000 }
	d := dispatch.New(state, bc, tr, ctx, timing)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopGPU := sync.Run(runCtx)

	for i := uint(0); i < *steps && state.PC != 0; i++ {
		d.Dispatch()
	}

	sync.ExitGPULoop()
	cancel()
	if err := stopGPU(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "broadwayjit-demo: gpu thread: %v\n", err)
	}

	fmt.Printf("stopped at pc=0x%08x, sync_ticks=%d, decoded %d chunks\n", state.PC, sync.SyncTicks(), decoder.chunks)
}

// loadImage copies a raw big-endian PowerPC image into guest RAM one word
// at a time so it goes through Memory's ordinary write path.
func loadImage(mem *ppcstate.Memory, base uint32, img []byte) {
	for i := 0; i+4 <= len(img); i += 4 {
		mem.Write32(base+uint32(i), binary.BigEndian.Uint32(img[i:i+4]))
	}
}

// countingDecoder is a minimal fifo.OpcodeDecoder that charges one cycle
// per four bytes decoded, standing in for the real vertex/opcode decoder.
type countingDecoder struct {
	chunks int
}

func (d *countingDecoder) Decode(p []byte) int64 {
	d.chunks++
	return int64(len(p) / 4)
}
