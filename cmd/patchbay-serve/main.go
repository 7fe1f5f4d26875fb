package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/vsariola/patchbay/cmd"
	"github.com/vsariola/patchbay/engine"
	"github.com/vsariola/patchbay/version"
)

func main() {
	help := flag.Bool("h", false, "Show help.")
	versionFlag := flag.Bool("version", false, "Print version.")
	verbose := flag.Bool("v", false, "Log debug messages.")
	addr := flag.String("addr", ":10000", "Address to listen on.")
	configFile := flag.String("config", "", "Engine configuration file (.yml).")
	driverName := flag.String("driver", "", fmt.Sprintf("Audio driver: %s. Default: %s.", strings.Join(cmd.DriverNames(), ", "), cmd.DefaultDriver))
	start := flag.Bool("start", true, "Start audio right away.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
	log := cmd.NewLogger(os.Stderr, *verbose)
	cfg := engine.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = engine.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	driver, err := cmd.NewDriver(*driverName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if _, ok := driver.DefaultInputDevice(); !ok {
		cfg.InputChannels = 0
	}
	e, err := engine.New(cfg, driver, engine.Options{Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create engine: %v\n", err)
		os.Exit(1)
	}
	for _, path := range flag.Args() {
		if p, _ := e.OpenPath(path); !p.Valid {
			fmt.Fprintf(os.Stderr, "could not open patch %v\n", path)
		}
	}
	if *start {
		if err := e.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "could not start audio: %v\n", err)
			os.Exit(1)
		}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go e.Run(ctx)
	srv := &http.Server{Addr: *addr, Handler: newRouter(e, log)}
	go func() {
		<-ctx.Done()
		shutdown, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		srv.Shutdown(shutdown)
	}()
	log.Info("serving", "addr", *addr, "engine", e.ID())
	retval := 0
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error starting server: %v\n", err)
		retval = 1
	}
	cancel()
	if err := e.Destroy(); err != nil {
		log.Warn("could not shut down cleanly", "err", err)
	}
	os.Exit(retval)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "patchbay HTTP server controlling one engine.\nUsage: %s [flags] [patch ...]\n", os.Args[0])
	flag.PrintDefaults()
}
