package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"slabdb/pkg/config"
	"slabdb/pkg/storage"
)

func main() {
	fmt.Println("Opening block file...")
	eng, err := storage.Open(context.Background(), "example.slab", config.Default(), nil)
	if err != nil {
		log.Fatalf("Failed to open: %v", err)
	}
	defer eng.Close()

	name := "table:greetings:data"
	value := []byte("Hello, slabdb!")

	fmt.Printf("Writing: %s = %q\n", name, value)
	start := time.Now()
	if err := eng.WriteBlock(name, value); err != nil {
		log.Fatalf("Write failed: %v", err)
	}
	fmt.Printf("Write done in %v\n", time.Since(start))

	fmt.Printf("Reading %s...\n", name)
	start = time.Now()
	got, err := eng.ReadBlock(name)
	if err != nil {
		log.Fatalf("Read failed: %v", err)
	}
	fmt.Printf("Got: %q (in %v)\n", got, time.Since(start))

	// a transaction groups writes into one atomic commit
	if err := eng.Begin(); err != nil {
		log.Fatalf("Begin failed: %v", err)
	}
	eng.WriteBlock("table:greetings:rows", []byte("row-1"))
	eng.WriteBlock("meta:version", []byte{1})
	if err := eng.Commit(); err != nil {
		log.Fatalf("Commit failed: %v", err)
	}

	names, err := eng.EnumerateBlocks()
	if err != nil {
		log.Fatalf("Enumerate failed: %v", err)
	}
	fmt.Println("Blocks in file:")
	for _, n := range names {
		meta, _ := eng.BlockMetadata(n)
		fmt.Printf("  %-24s %d bytes @ %d\n", n, meta.Length, meta.Offset)
	}
}
