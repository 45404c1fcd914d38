package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server"
	"github.com/centinelacam/centinela/server/config"
)

func main() {
	parser := argparse.NewParser("centinela", "Real-time violence detection for security cameras")
	device := parser.String("d", "device", &argparse.Options{Help: "Capture device index or stream URL (overrides CAPTURE_DEVICE)", Default: ""})
	videoDir := parser.String("", "video-dir", &argparse.Options{Help: "Directory for evidence clips (overrides VIDEO_DIR)", Default: ""})
	fakeCamera := parser.Flag("", "fake-camera", &argparse.Options{Help: "Use synthetic frames instead of a capture device", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := log.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.CaptureDevice = *device
	}
	if *fakeCamera {
		cfg.CaptureDevice = ""
	}
	if *videoDir != "" {
		cfg.VideoDir = *videoDir
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Infof("Received %v", sig)
		srv.Shutdown()
	}()

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("HTTP server failed: %v", err)
		os.Exit(1)
	}
}
