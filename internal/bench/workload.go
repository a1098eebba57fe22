package bench

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/anchor-go/anchor/internal/rpc"
)

// keySize is the width of the offset key the workload indexes objects
// by; anchor pools address objects by offset rather than by a
// variable-width key, so this is constant across every profile.
const keySize = 8

// Result is one workload run, shaped to match the CSV row spec.md §6
// requires from anchor-client: type;keys;ops;read_ratio;key_size;
// value_size;time;throughput.
type Result struct {
	Container  string
	Keys       int
	Ops        int
	ReadRatio  float64
	KeySize    int
	ValueSize  int
	Elapsed    time.Duration
	Throughput float64
}

// CSV renders r as the ';'-separated row spec.md §6 requires.
func (r Result) CSV() string {
	return fmt.Sprintf("%s;%d;%d;%.2f;%d;%d;%s;%.2f",
		r.Container, r.Keys, r.Ops, r.ReadRatio, r.KeySize, r.ValueSize,
		r.Elapsed, r.Throughput)
}

// Run allocates p.Keys objects of p.ValueSize bytes through conn, then
// issues p.Ops operations against them, mixed read/write by p.ReadRatio,
// and reports elapsed time and throughput.
func Run(conn rpc.Conn, p Profile) (Result, error) {
	rng := rand.New(rand.NewSource(p.Seed))

	offsets := make([]uint64, p.Keys)

	for i := range offsets {
		resp, err := conn.Do(rpc.Request{Op: rpc.OpAlloc, Size: uint64(p.ValueSize)})
		if err != nil {
			return Result{}, fmt.Errorf("bench: alloc key %d: %w", i, err)
		}

		value := make([]byte, p.ValueSize)
		rng.Read(value)

		if _, err := conn.Do(rpc.Request{Op: rpc.OpPut, Offset: resp.Offset, Value: value}); err != nil {
			return Result{}, fmt.Errorf("bench: seed key %d: %w", i, err)
		}

		offsets[i] = resp.Offset
	}

	start := time.Now()

	for i := 0; i < p.Ops; i++ {
		offset := offsets[rng.Intn(len(offsets))]

		if rng.Float64() < p.ReadRatio {
			if _, err := conn.Do(rpc.Request{Op: rpc.OpGet, Offset: offset}); err != nil {
				return Result{}, fmt.Errorf("bench: op %d get: %w", i, err)
			}

			continue
		}

		value := make([]byte, p.ValueSize)
		rng.Read(value)

		if _, err := conn.Do(rpc.Request{Op: rpc.OpPut, Offset: offset, Value: value}); err != nil {
			return Result{}, fmt.Errorf("bench: op %d put: %w", i, err)
		}
	}

	elapsed := time.Since(start)
	throughput := float64(p.Ops) / elapsed.Seconds()

	return Result{
		Container:  p.Container,
		Keys:       p.Keys,
		Ops:        p.Ops,
		ReadRatio:  p.ReadRatio,
		KeySize:    keySize,
		ValueSize:  p.ValueSize,
		Elapsed:    elapsed,
		Throughput: throughput,
	}, nil
}
