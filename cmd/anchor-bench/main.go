// anchor-bench is an interactive REPL for exercising an open pool.Pool
// by hand during development: alloc, read, write, free, and transactions,
// line-edited with github.com/peterh/liner the way the teacher's sloty
// REPL (cmd/sloty/main.go) drives a slotcache file.
//
// Commands:
//
//	open <dir> [key]               Open or create a pool at dir
//	alloc <size>                   Allocate an object, prints its offset
//	read <offset>                  Read and hex-dump an object
//	write <offset> <hex>           Overwrite an object's bytes
//	free <offset> <size>           Release an object
//	begin                          Start a transaction
//	range <offset> <size>          Snapshot a range into the open tx
//	set <offset> <hex>             Stage a SET entry against the open tx
//	commit                         Commit the open tx
//	abort                          Roll back the open tx
//	help                           Show this help
//	exit / quit                    Exit
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/anchor-go/anchor/internal/pool"
	"github.com/anchor-go/anchor/internal/txn"
	"github.com/anchor-go/anchor/pkg/fs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type repl struct {
	fsys fs.FS
	pool *pool.Pool
	tx   *txn.Tx
	aff  txn.Affinity
	line *liner.State
}

func run() error {
	r := &repl{fsys: fs.NewReal(), line: liner.NewLiner()}
	defer r.line.Close()

	r.line.SetCtrlCAborts(true)

	fmt.Println("anchor-bench - interactive pool REPL. Type 'help' for commands.")

	for {
		line, err := r.line.Prompt("anchor> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.line.AppendHistory(line)

		fields := strings.Fields(line)

		switch strings.ToLower(fields[0]) {
		case "exit", "quit", "q":
			r.closePool()
			return nil
		case "help", "?":
			printHelp()
		case "open":
			r.cmdOpen(fields[1:])
		case "alloc":
			r.cmdAlloc(fields[1:])
		case "read":
			r.cmdRead(fields[1:])
		case "write":
			r.cmdWrite(fields[1:])
		case "free":
			r.cmdFree(fields[1:])
		case "begin":
			r.cmdBegin()
		case "range":
			r.cmdRange(fields[1:])
		case "set":
			r.cmdSet(fields[1:])
		case "commit":
			r.cmdCommit()
		case "abort":
			r.cmdAbort()
		default:
			fmt.Printf("unknown command %q (type 'help')\n", fields[0])
		}
	}

	r.closePool()

	return nil
}

func (r *repl) closePool() {
	if r.pool != nil {
		_ = r.pool.Close()
	}
}

func printHelp() {
	fmt.Println(`Commands:
  open <dir> [key]        Open or create a pool at dir
  alloc <size>            Allocate an object, prints its offset
  read <offset>           Read and hex-dump an object
  write <offset> <hex>    Overwrite an object's bytes
  free <offset> <size>    Release an object
  begin                   Start a transaction
  range <offset> <size>   Snapshot a range into the open tx
  set <offset> <hex>      Stage a SET entry against the open tx
  commit                  Commit the open tx
  abort                   Roll back the open tx
  help                    Show this help
  exit / quit             Exit`)
}

func (r *repl) cmdOpen(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: open <dir> [key]")
		return
	}

	key := []byte("0123456789abcdef")
	if len(args) >= 2 {
		key = []byte(args[1])
	}

	dir := args[0]

	exists, err := r.fsys.Exists(dir + "/pool.json")
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	var p *pool.Pool
	if exists {
		p, err = pool.Open(r.fsys, dir, key)
	} else {
		p, err = pool.Create(r.fsys, dir, pool.Layout{HeapSize: 1 << 24, ULogSize: 1 << 16, NumLanes: 4}, key)
	}

	if err != nil {
		fmt.Println("error:", err)
		return
	}

	r.closePool()
	r.pool = p

	fmt.Printf("OK: pool %s ready\n", p.PoolID())
}

func (r *repl) requirePool() bool {
	if r.pool == nil {
		fmt.Println("no pool open; use 'open <dir>' first")
		return false
	}

	return true
}

func (r *repl) cmdAlloc(args []string) {
	if !r.requirePool() || len(args) < 1 {
		fmt.Println("usage: alloc <size>")
		return
	}

	size, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	obj, err := r.pool.Alloc(size)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Printf("OK: offset=%d\n", obj.Offset)
}

func (r *repl) cmdRead(args []string) {
	if !r.requirePool() || len(args) < 1 {
		fmt.Println("usage: read <offset>")
		return
	}

	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	data, err := r.pool.Read(offset)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(hex.EncodeToString(data))
}

func (r *repl) cmdWrite(args []string) {
	if !r.requirePool() || len(args) < 2 {
		fmt.Println("usage: write <offset> <hex>")
		return
	}

	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	data, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := r.pool.Write(offset, data); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdFree(args []string) {
	if !r.requirePool() || len(args) < 2 {
		fmt.Println("usage: free <offset> <size>")
		return
	}

	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := r.pool.Free(offset, size); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdBegin() {
	if !r.requirePool() {
		return
	}

	if r.tx != nil {
		fmt.Println("a transaction is already open; commit or abort it first")
		return
	}

	tx, err := r.pool.Begin(context.Background(), &r.aff)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	r.tx = tx

	fmt.Println("OK: transaction started")
}

func (r *repl) requireTx() bool {
	if r.tx == nil {
		fmt.Println("no transaction open; use 'begin' first")
		return false
	}

	return true
}

func (r *repl) cmdRange(args []string) {
	if !r.requireTx() || len(args) < 2 {
		fmt.Println("usage: range <offset> <size>")
		return
	}

	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := r.tx.AddRange(offset, size); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdSet(args []string) {
	if !r.requireTx() || len(args) < 2 {
		fmt.Println("usage: set <offset> <hex>")
		return
	}

	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	data, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := r.tx.Add(offset, txn.OpSet, data, 0); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdCommit() {
	if !r.requireTx() {
		return
	}

	if err := r.tx.Commit(context.Background()); err != nil {
		fmt.Println("error:", err)
	} else {
		fmt.Println("OK: committed")
	}

	r.tx = nil
}

func (r *repl) cmdAbort() {
	if !r.requireTx() {
		return
	}

	if err := r.tx.Rollback(); err != nil {
		fmt.Println("error:", err)
	} else {
		fmt.Println("OK: aborted")
	}

	r.tx = nil
}
