package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flags "github.com/jessevdk/go-flags"
)

// stubproc stands in for a stack process in manual end-to-end runs
type flagOptions struct {
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run before exiting (debug feature)"`
	ExitCode    int    `long:"exit-code" description:"Exit code to use when the run duration elapses"`
	MemoryMB    int    `long:"memory-mb" description:"Memory in Megabytes to allocate (debug feature)"`
	HealthPort  int    `long:"health-port" description:"Serve GET /health on this port"`
	Unhealthy   bool   `long:"unhealthy" description:"Answer /health with 503"`
	Name        string `long:"name" default:"stubproc" description:"Name printed in every line"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s running, pid: %d, opts: %+v\n", opts.Name, os.Getpid(), opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	var ballast []byte
	if opts.MemoryMB > 0 {
		fmt.Printf("Using MEMORY MB of %d Megabytes\n", opts.MemoryMB)
		ballast = make([]byte, opts.MemoryMB*1024*1024)
		for i := range ballast {
			ballast[i] = 1
		}
	}

	var server *http.Server
	if opts.HealthPort > 0 {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.GET("/health", func(c *gin.Context) {
			if opts.Unhealthy {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok", "name": opts.Name})
		})
		server = &http.Server{Addr: "127.0.0.1:" + strconv.Itoa(opts.HealthPort), Handler: engine}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "%s health server failed: %v\n", opts.Name, err)
				os.Exit(2)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	exitCode := 0
	for done := false; !done; {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("%s received signal: %v\n", opts.Name, receivedSignal)
			done = true
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "%s run duration elapsed, exiting with %d\n", opts.Name, opts.ExitCode)
			exitCode = opts.ExitCode
			done = true
		case now := <-ticker.C:
			fmt.Printf("%s alive at %s, ballast: %d bytes\n", opts.Name, now.Format(time.RFC3339), len(ballast))
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	fmt.Printf("%s stopped\n", opts.Name)
	os.Exit(exitCode)
}
