package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/vsariola/patchbay/audio"
	"github.com/vsariola/patchbay/cmd"
	"github.com/vsariola/patchbay/engine"
	"github.com/vsariola/patchbay/soundfile"
	"github.com/vsariola/patchbay/version"
)

func main() {
	help := flag.Bool("h", false, "Show help.")
	versionFlag := flag.Bool("version", false, "Print version.")
	verbose := flag.Bool("v", false, "Log debug messages.")
	configFile := flag.String("config", "", "Engine configuration file (.yml). Flags override its values.")
	driverName := flag.String("driver", "", fmt.Sprintf("Audio driver: %s. Default: %s.", strings.Join(cmd.DriverNames(), ", "), cmd.DefaultDriver))
	render := flag.String("render", "", "Render to this .wav file instead of playing.")
	seconds := flag.Float64("seconds", 0, "Stop after this many seconds. Rendering defaults to 10 seconds, playing to forever.")
	sampleRate := flag.Int("rate", 0, "Sample rate.")
	blockSize := flag.Int("block", 0, "Block size in samples.")
	inputs := flag.Int("in", -1, "Number of input channels.")
	outputs := flag.Int("out", -1, "Number of output channels.")
	search := flag.String("path", "", "Search path for patches and abstractions, separated by the OS path list separator.")
	midiPort := flag.String("midi", "", "Listen to the first MIDI input whose name starts with this. Use \"-\" to list inputs.")
	listDevices := flag.Bool("devices", false, "List the audio devices of the driver and exit.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}
	if *help || (flag.NArg() == 0 && !*listDevices && *midiPort != "-") {
		flag.Usage()
		os.Exit(0)
	}
	log := cmd.NewLogger(os.Stderr, *verbose)
	if *midiPort == "-" {
		ports, err := cmd.MIDIPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not list MIDI inputs: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}
	cfg := engine.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = engine.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	if *sampleRate > 0 {
		cfg.SampleRate = *sampleRate
	}
	if *blockSize > 0 {
		cfg.BlockSize = *blockSize
	}
	if *inputs >= 0 {
		cfg.InputChannels = *inputs
	}
	if *outputs >= 0 {
		cfg.OutputChannels = *outputs
	}
	if *search != "" {
		cfg.SearchPaths = append(cfg.SearchPaths, strings.Split(*search, string(os.PathListSeparator))...)
	}
	if *render != "" {
		*driverName = "offline"
		if *seconds <= 0 {
			*seconds = 10
		}
	}
	driver, err := cmd.NewDriver(*driverName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *listDevices {
		devices, err := driver.Devices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not list devices: %v\n", err)
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Printf("%d: %s (%s) in %d out %d, %g Hz\n", d.Index, d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		}
		driver.Close()
		os.Exit(0)
	}
	if _, ok := driver.DefaultInputDevice(); !ok && cfg.InputChannels > 0 {
		log.Info("driver has no audio input, running without", "driver", *driverName)
		cfg.InputChannels = 0
	}
	e, err := engine.New(cfg, driver, engine.Options{Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create engine: %v\n", err)
		os.Exit(1)
	}
	retval := 0
	for _, path := range flag.Args() {
		if p, _ := e.OpenPath(path); !p.Valid {
			fmt.Fprintf(os.Stderr, "could not open patch %v\n", path)
			retval = 1
		}
	}
	stopMIDI := func() {}
	if *midiPort != "" {
		stop, err := cmd.OpenMIDI(*midiPort, e, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not open MIDI input: %v\n", err)
			retval = 1
		} else {
			stopMIDI = stop
		}
	}
	if *render != "" {
		err = renderTo(e, driver.(*audio.Offline), *render, *seconds, log)
	} else {
		err = play(e, *seconds)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		retval = 1
	}
	stopMIDI()
	if err := e.Destroy(); err != nil {
		log.Warn("could not shut down cleanly", "err", err)
	}
	os.Exit(retval)
}

func play(e *engine.Engine, seconds float64) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if seconds > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer c()
	}
	if err := e.Start(); err != nil {
		return fmt.Errorf("could not start audio: %w", err)
	}
	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func renderTo(e *engine.Engine, drv *audio.Offline, filename string, seconds float64, log *slog.Logger) error {
	if err := e.Start(); err != nil {
		return err
	}
	cfg := e.Config()
	stream := drv.Stream()
	frames := int(seconds * float64(cfg.SampleRate))
	out := make([]float32, 0, frames*cfg.OutputChannels)
	for rendered := 0; rendered < frames; rendered += cfg.BlockSize * cfg.Ticks {
		out = append(out, stream.Tick()...)
		if _, err := e.Poll(); err != nil {
			return err
		}
	}
	out = out[:min(len(out), frames*cfg.OutputChannels)]
	if err := soundfile.Save(filename, out, cfg.OutputChannels, cfg.SampleRate); err != nil {
		return fmt.Errorf("could not write %v: %w", filename, err)
	}
	log.Info("rendered", "file", filename, "seconds", seconds)
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "patchbay command line utility for playing .yml patch files.\nUsage: %s [flags] [patch ...]\n", os.Args[0])
	flag.PrintDefaults()
}
