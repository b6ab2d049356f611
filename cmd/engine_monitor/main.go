package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/feellmoose/typedkv"
	"github.com/feellmoose/typedkv/internal/engine"
	"github.com/feellmoose/typedkv/internal/storage"
)

// Engine Monitor Dashboard
// Drives a mixed typed workload against the built-in engine and prints its
// counters every 2 seconds.

type Counter struct {
	Value uint64 `cbor:"value"`
}

func (c Counter) Merge(modification Counter) Counter {
	return Counter{Value: c.Value + modification.Value}
}

var cli struct {
	Backend  string        `default:"MemorySharded" enum:"Memory,MemorySharded,Bolt" help:"Storage backend (Memory, MemorySharded, Bolt)."`
	Path     string        `default:"engine_monitor.db" help:"Database file for the Bolt backend."`
	MemoryMB int64         `name:"memory-mb" default:"256" help:"Memory limit for in-memory backends."`
	Workers  int           `default:"0" help:"Callback worker pool size (0 = 4 x NumCPU)."`
	Clients  int           `default:"0" help:"Workload goroutines (0 = NumCPU)."`
	Keys     int           `default:"10000" help:"Size of the key space."`
	Interval time.Duration `default:"2s" help:"Dashboard refresh interval."`
	Poison   bool          `help:"Scribble over borrowed buffers after each callback."`
	Log      string        `default:"warn" enum:"debug,info,warn,error" help:"Log level."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("engine_monitor"),
		kong.Description("Drive a typed workload against the built-in engine and watch its counters."),
	)

	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║        typedkv Engine Monitor Dashboard                           ║")
	fmt.Println("║        Real-time Engine and Allocator Counters                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	eng, err := engine.New(&engine.Options{
		Storage: &storage.StorageOptions{
			Backend:     storage.StorageBackendType(cli.Backend),
			MaxMemoryMB: cli.MemoryMB,
			Path:        cli.Path,
		},
		Workers:        cli.Workers,
		PoisonBorrowed: cli.Poison,
	})
	if err != nil {
		fmt.Printf("Failed to create engine: %v\n", err)
		return
	}
	defer eng.Close()

	store, err := typedkv.New[uint64, Counter](eng, &typedkv.Options[uint64, Counter]{
		Log: &typedkv.LogOptions{Level: cli.Log},
	})
	if err != nil {
		fmt.Printf("Failed to create store: %v\n", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	clients := cli.Clients
	if clients <= 0 {
		clients = runtime.NumCPU()
	}
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runWorkload(ctx, store, rand.New(rand.NewSource(seed)))
		}(int64(i))
	}

	fmt.Printf("Engine %s: %s backend, %d clients, %d keys\n", eng.ID(), cli.Backend, clients, cli.Keys)
	fmt.Println("Workload running, press Ctrl+C to stop")
	fmt.Println()

	ticker := time.NewTicker(cli.Interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startTime := time.Now()
	last := eng.Stats()

	for {
		select {
		case <-sigCh:
			fmt.Println("\n\nShutting down...")
			cancel()
			wg.Wait()
			store.CompletePending()
			return

		case <-ticker.C:
			stats := eng.Stats()
			clearScreen()
			printDashboard(stats, last, time.Since(startTime))
			last = stats
		}
	}
}

// runWorkload mixes 60% reads, 30% RMW and 10% upserts.
func runWorkload(ctx context.Context, store *typedkv.Store[uint64, Counter], rng *rand.Rand) {
	for ctx.Err() == nil {
		key := uint64(rng.Intn(cli.Keys))
		switch n := rng.Intn(10); {
		case n < 6:
			comp, err := store.Read(ctx, key)
			if err == nil {
				comp.Wait(ctx)
			}
		case n < 9:
			store.RMW(ctx, key, Counter{Value: 1})
		default:
			store.Upsert(ctx, key, Counter{Value: uint64(rng.Intn(100))})
		}
	}
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func printDashboard(stats, last engine.Stats, uptime time.Duration) {
	seconds := cli.Interval.Seconds()

	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║              Engine - Real-time Dashboard                          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Printf("  Uptime: %v\n", uptime.Round(time.Second))
	fmt.Printf("  Time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println()

	fmt.Println("📊 OPERATION METRICS")
	fmt.Println("────────────────────────────────────────────────────────────────────")
	fmt.Printf("  Reads:                %10d  (%8.2f K/s)\n", stats.Reads, float64(stats.Reads-last.Reads)/seconds/1000)
	fmt.Printf("  Pending Reads:        %10d\n", stats.PendingReads)
	fmt.Printf("  Not Found:            %10d\n", stats.NotFound)
	fmt.Printf("  Upserts:              %10d  (%8.2f K/s)\n", stats.Upserts, float64(stats.Upserts-last.Upserts)/seconds/1000)
	fmt.Printf("  RMWs:                 %10d  (%8.2f K/s)\n", stats.RMWs, float64(stats.RMWs-last.RMWs)/seconds/1000)
	fmt.Printf("  RMW Initial Values:   %10d\n", stats.RMWInitial)
	fmt.Printf("  RMW Aborted:          %10d\n", stats.RMWAborted)
	fmt.Println()

	fmt.Println("💾 STORAGE METRICS")
	fmt.Println("────────────────────────────────────────────────────────────────────")
	fmt.Printf("  Keys:                 %10d\n", stats.Storage.KeyCount)
	fmt.Printf("  Size:                 %10d (%.2f MB)\n", stats.Storage.DBSize, float64(stats.Storage.DBSize)/1024/1024)
	fmt.Printf("  Hit Rate:             %10.2f%%\n", stats.Storage.CacheHitRate*100)
	fmt.Printf("  Evictions:            %10d\n", stats.Storage.Evictions)
	fmt.Println()

	fmt.Println("🧮 ALLOCATOR METRICS")
	fmt.Println("────────────────────────────────────────────────────────────────────")
	fmt.Printf("  Allocations:          %10d\n", stats.Allocator.Allocs)
	fmt.Printf("  Frees:                %10d\n", stats.Allocator.Frees)
	fmt.Printf("  Live Buffers:         %10d\n", stats.Allocator.Live)
	fmt.Printf("  Oversize Allocations: %10d\n", stats.Allocator.Misses)
	fmt.Printf("  Bad Frees:            %10d\n", stats.BadFrees)
	if !stats.LastWrite.IsZero() {
		fmt.Printf("  Last Write:           %s\n", stats.LastWrite.Format("15:04:05.000"))
	}
	fmt.Println()

	fmt.Println("Press Ctrl+C to stop monitoring")
}
