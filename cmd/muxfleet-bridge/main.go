// muxfleet-bridge serves the tool surface without the surrounding CLI.
// MCP clients that launch a bare executable with no arguments point here;
// everything else should prefer `muxfleet server start`.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/cli"
	"github.com/muxfleet/muxfleet/internal/logging"
)

// version is stamped at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	httpAddr := flag.String("http", "", "serve streamable HTTP on this address instead of stdio")
	verbose := flag.Bool("verbose", false, "debug logging on stderr")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	// stdout belongs to the MCP transport; logs go to stderr.
	log, err := logging.New(logging.Config{Level: level, Format: "console", Stderr: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	app := cli.NewApp(version)
	defer app.Close()

	b, err := bridge.New(bridge.Deps{
		NewRoot: func() *cobra.Command { return cli.NewRoot(app) },
		Errors:  app,
		Log:     log.Component("bridge"),
	})
	if err != nil {
		log.Fatal("bridge build failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(b, version, log.Component("mcp"))
	if *httpAddr == "" {
		if err := srv.ServeStdio(ctx); err != nil {
			log.Fatal("stdio transport failed", zap.Error(err))
		}
		return
	}

	hs := &http.Server{Addr: *httpAddr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	log.Info("http transport ready", zap.String("addr", *httpAddr))
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http transport failed", zap.Error(err))
	}
}
