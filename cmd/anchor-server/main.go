// anchor-server opens (or creates) an Anchor pool and serves it over the
// rpc package's loopback contract until it receives SIGINT/SIGTERM,
// matching the server CLI surface of spec.md §6 (`<container-type>
// <pool-path> <ip> <read-ratio> <value-size> [seed]`) as long flags.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/anchor-go/anchor/internal/bench"
	"github.com/anchor-go/anchor/internal/pool"
	"github.com/anchor-go/anchor/internal/rpc"
	"github.com/anchor-go/anchor/pkg/fs"
)

var containers = []string{"hashmap_tx", "ctree", "btree", "rtree", "rbtree", "skiplist"}

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:], sigCh))
}

func run(out, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	fset := flag.NewFlagSet("anchor-server", flag.ContinueOnError)
	fset.SetOutput(errOut)

	container := fset.String("container", "hashmap_tx", fmt.Sprintf("container type (%v)", containers))
	poolPath := fset.String("pool-path", "", "directory the pool lives in (required)")
	ip := fset.String("ip", "127.0.0.1:9000", "address clients connect to (informational; transport is out of scope)")
	readRatio := fset.Float64("read-ratio", 0.9, "fraction of ops that are reads, in [0,1]")
	valueSize := fset.Int("value-size", 64, "object value size in bytes")
	seed := fset.Int64("seed", 0, "workload RNG seed")
	layoutPath := fset.String("layout", "", "path to a YAML/JSON pool.Layout file; defaults built in if omitted")
	benchProfile := fset.String("bench-profile", "", "path to a JSONC named-profile file; --container selects the profile to run at startup")
	key := fset.String("key", "0123456789abcdef", "16-byte AEAD key (benchmarks only; production needs a real attestation channel)")

	if err := fset.Parse(args); err != nil {
		return 1
	}

	if *poolPath == "" {
		fmt.Fprintln(errOut, "error: --pool-path is required")
		return 1
	}

	if !slices.Contains(containers, *container) {
		fmt.Fprintf(errOut, "error: unknown container %q, want one of %v\n", *container, containers)
		return 1
	}

	layout := pool.Layout{HeapSize: 1 << 28, ULogSize: 1 << 20, NumLanes: 8}

	fsys := fs.NewReal()

	if *layoutPath != "" {
		loaded, err := pool.LoadLayout(fsys, *layoutPath)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		layout = loaded
	}

	p, err := openOrCreate(fsys, *poolPath, layout, []byte(*key))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	fmt.Fprintf(out, "anchor-server: pool %s ready, listening at %s (container=%s)\n", p.PoolID(), *ip, *container)

	if *benchProfile != "" {
		if err := runProfile(out, errOut, p, *benchProfile, *container, *readRatio, *valueSize, *seed); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			_ = p.Close()
			return 1
		}
	}

	if sigCh != nil {
		<-sigCh
	}

	if err := p.Close(); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	fmt.Fprintln(out, "anchor-server: clean shutdown")

	return 0
}

func openOrCreate(fsys fs.FS, dir string, layout pool.Layout, key []byte) (*pool.Pool, error) {
	exists, err := fsys.Exists(filepath.Join(dir, "pool.json"))
	if err != nil {
		return nil, err
	}

	if exists {
		return pool.Open(fsys, dir, key)
	}

	return pool.Create(fsys, dir, layout, key)
}

func runProfile(out, errOut io.Writer, p *pool.Pool, path, container string, readRatio float64, valueSize int, seed int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	profiles, err := bench.LoadProfiles(data)
	if err != nil {
		return err
	}

	profile, ok := profiles[container]
	if !ok {
		profile = bench.Profile{Container: container, ReadRatio: readRatio, ValueSize: valueSize, Keys: 100, Ops: 1000, Seed: seed}
	}

	result, err := bench.Run(rpc.NewLoopback(p), profile)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, result.CSV())

	return nil
}
