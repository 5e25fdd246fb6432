package main

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/InsulaLabs/ringfs/runtime"
)

func main() {
	// badger writes through the std logger when no slog adapter is set;
	// everything we own logs through slog
	log.SetOutput(io.Discard)

	rt, err := runtime.New(os.Args[1:], "ringd.yaml")
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
