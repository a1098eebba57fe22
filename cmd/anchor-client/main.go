// anchor-client drives a workload against a pool and prints the CSV row
// spec.md §6 specifies for the benchmark client
// (type;keys;ops;read_ratio;key_size;value_size;time;throughput).
//
// The real client/server pair talks over the network (out of scope, per
// spec.md §1); anchor-client instead opens its own pool at --pool-path
// and drives it through the rpc package's loopback Conn, which is the
// same contract a networked client would use to reach anchor-server.
// --client-ip/--server-ip are accepted and echoed for operational
// record-keeping but do not open a socket.
package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/anchor-go/anchor/internal/bench"
	"github.com/anchor-go/anchor/internal/pool"
	"github.com/anchor-go/anchor/internal/rpc"
	"github.com/anchor-go/anchor/pkg/fs"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

func run(out, errOut io.Writer, args []string) int {
	fset := flag.NewFlagSet("anchor-client", flag.ContinueOnError)
	fset.SetOutput(errOut)

	clientIP := fset.String("client-ip", "127.0.0.1:0", "local address (informational)")
	serverIP := fset.String("server-ip", "127.0.0.1:9000", "server address to report against (informational)")
	dataStructure := fset.String("data-structure", "hashmap_tx", "container type under test")
	readRatio := fset.Float64("read-ratio", 0.9, "fraction of ops that are reads, in [0,1]")
	valueSize := fset.Int("value-size", 64, "object value size in bytes")
	keys := fset.Int("keys", 1000, "number of distinct keys to seed")
	ops := fset.Int("ops", 10000, "number of operations to run")
	seed := fset.Int64("seed", 0, "workload RNG seed")
	poolPath := fset.String("pool-path", "", "directory to create a scratch pool in; defaults to a temp dir")
	key := fset.String("key", "0123456789abcdef", "16-byte AEAD key (benchmarks only)")

	if err := fset.Parse(args); err != nil {
		return 1
	}

	dir := *poolPath
	if dir == "" {
		tmp, err := os.MkdirTemp("", "anchor-client-*")
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		defer os.RemoveAll(tmp)

		dir = tmp
	}

	fsys := fs.NewReal()

	layout := pool.Layout{HeapSize: 1 << 28, ULogSize: 1 << 20, NumLanes: 8}

	p, err := pool.Create(fsys, dir, layout, []byte(*key))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer p.Close()

	result, err := bench.Run(rpc.NewLoopback(p), bench.Profile{
		Container: *dataStructure,
		ReadRatio: *readRatio,
		ValueSize: *valueSize,
		Keys:      *keys,
		Ops:       *ops,
		Seed:      *seed,
	})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	fmt.Fprintf(out, "client=%s server=%s\n", *clientIP, *serverIP)
	fmt.Fprintln(out, result.CSV())

	return 0
}
