// Command sectordb-inspect opens a database file with sectordb.Open (which
// takes an exclusive lock on it, and creates and initializes it if it
// does not exist) and prints a statistics snapshot as JSON, for operators
// who need a quick look at a file's block usage without writing a program
// against the library.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/jpl-au/sectordb"
)

func main() {
	blockSize := flag.Uint("block-size", 2048, "block size the file was created with")
	keySize := flag.Uint("key-size", 32, "key size the file was created with")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sectordb-inspect [flags] <path>")
		os.Exit(2)
	}

	tree, _, err := sectordb.Open(flag.Arg(0), sectordb.Options{
		BlockSize: uint32(*blockSize),
		KeySize:   uint32(*keySize),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sectordb-inspect:", err)
		os.Exit(1)
	}
	defer tree.Close()

	stats, err := tree.Stats()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sectordb-inspect:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		fmt.Fprintln(os.Stderr, "sectordb-inspect:", err)
		os.Exit(1)
	}
}
