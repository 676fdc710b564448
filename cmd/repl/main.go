// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive shell over a lock-free
// dictionary.
//
// This command-line tool allows interactive exploration of the container
// API: CRUD operations, insertion-ordered views, and live migration and
// reclamation statistics. It is useful for development, testing, and
// learning the API.
//
// # Usage
//
// Start the shell:
//
//	go run cmd/repl/main.go
//
// Available commands:
//
//	get <key>           - Retrieve a value by key
//	put <key> <value>   - Store a key-value pair
//	add <key> <value>   - Store only if the key is absent
//	del <key>           - Delete a key
//	view                - Print every pair in insertion order
//	len                 - Print the number of keys
//	stats               - Print migration and reclamation statistics
//	quit, exit          - Exit
//
// Example session:
//
//	> put user:1 alice
//	OK
//	> get user:1
//	Value: alice
//	> view
//	user:1 = alice
//	> del user:1
//	Deleted
//	> quit
//	Goodbye!
//
// # Limitations
//
// The shell is single-threaded and in-memory; all data is lost on exit.
// For concurrent behavior, drive the library API directly or run the
// bench tool.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hatrack "github.com/viega/hatrack-sub002"
)

type REPL struct {
	dict *hatrack.Dict[string]
}

func NewREPL(dict *hatrack.Dict[string]) *REPL {
	return &REPL{dict: dict}
}

func (r *REPL) Run() {
	fmt.Println("Lock-Free Container REPL")
	fmt.Println("Commands: get <key>, put <key> <value>, add <key> <value>, del <key>, view, len, stats, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "get":
			if len(args) != 1 {
				fmt.Println("Usage: get <key>")
				continue
			}
			val, ok := r.dict.Get(args[0])
			if ok {
				fmt.Printf("Value: %s\n", val)
			} else {
				fmt.Println("Key not found")
			}

		case "put":
			if len(args) != 2 {
				fmt.Println("Usage: put <key> <value>")
				continue
			}
			if old, had := r.dict.Put(args[0], args[1]); had {
				fmt.Printf("OK (displaced %s)\n", old)
			} else {
				fmt.Println("OK")
			}

		case "add":
			if len(args) != 2 {
				fmt.Println("Usage: add <key> <value>")
				continue
			}
			if r.dict.Add(args[0], args[1]) {
				fmt.Println("OK")
			} else {
				fmt.Println("Key already present")
			}

		case "del":
			if len(args) != 1 {
				fmt.Println("Usage: del <key>")
				continue
			}
			if _, ok := r.dict.Delete(args[0]); ok {
				fmt.Println("Deleted")
			} else {
				fmt.Println("Key not found")
			}

		case "view":
			for _, it := range r.dict.Items(true) {
				fmt.Printf("%s = %s\n", it.Key, it.Value)
			}

		case "len":
			fmt.Println(r.dict.Len())

		case "stats":
			stats := r.dict.Stats()
			fmt.Printf("Migrations: %d\n", stats.Migrations.Count)
			fmt.Printf("Retired: %d, freed: %d, unused: %d\n",
				stats.Reclaim.Retired, stats.Reclaim.Freed, stats.Reclaim.Unused)
			fmt.Printf("Helped commits: %d\n", stats.Reclaim.HelpedOps)

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

func main() {
	_ = flag.Bool("quiet", false, "Run in quiet mode")
	flag.Parse()

	cfg := hatrack.DefaultConfig()
	cfg.Metrics = true
	dict := hatrack.NewDictWithConfig[string](cfg, nil)
	defer dict.Close()

	repl := NewREPL(dict)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal.")
		dict.Close()
		os.Exit(0)
	}()

	repl.Run()
}
