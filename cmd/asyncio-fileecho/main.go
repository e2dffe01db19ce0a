// Command asyncio-fileecho starts a Runtime, writes a string to a file
// through its Channel façade, reads it back, and prints what it read.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/nyx-io/asyncio"
	"github.com/nyx-io/asyncio/examples/fileecho"
)

func main() {
	path := flag.String("path", "asyncio-fileecho.tmp", "file to write and read back")
	message := flag.String("message", "hello from asyncio", "payload to round-trip")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := asyncio.CreateAndServe(ctx, asyncio.DefaultRuntimeParams(), nil)
	if err != nil {
		log.Fatalf("CreateAndServe: %v", err)
	}
	defer asyncio.Shutdown(context.Background(), rt)

	got, err := fileecho.Run(ctx, rt, *path, []byte(*message))
	if err != nil {
		log.Fatalf("fileecho.Run: %v", err)
	}

	fmt.Printf("wrote %q, read back %q\n", *message, got)

	snap := rt.MetricsSnapshot()
	fmt.Printf("submissions=%d completions=%d errors=%d\n", snap.Submissions, snap.Completions, snap.Errors)
}
