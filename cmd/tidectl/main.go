// Package main provides tidectl, a command line tool for TideKV databases.
//
// Usage:
//
//	tidectl --db <path> [--config tide.yaml] <command> [args]
//
// Commands:
//
//	cf list|create|drop|rename|clone   Manage column families
//	put <cf> <key> <value> [--ttl]     Store a key
//	get <cf> <key>                     Print a value
//	delete <cf> <key>                  Delete a key
//	scan <cf> [--from] [--to] [--limit] [--reverse]
//	flush <cf>                         Flush the memtables
//	compact <cf>                       Compact into a single level
//	stats <cf>                         Print column family statistics
//	cache-stats                        Print block cache statistics
//	range-cost <cf> <a> <b>            Estimate the cost of a range read
//	checkpoint <dir>                   Write a hard-linked checkpoint
//	backup <dir>                       Write a self-contained backup
//	serve [--addr]                     Serve the database over HTTP
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
