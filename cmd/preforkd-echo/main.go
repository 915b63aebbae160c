// Command preforkd-echo is a demo binary wiring a trivial echo handler
// into a preforkd.Supervisor, continuing the teacher's main.go (flag
// parsing, signal-driven shutdown, a /status introspection endpoint) but
// against the urfave/cli flag style used by xtaci-kcptun's client/server
// mains instead of stdlib flag.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"preforkd"
)

// echoHandler is the connection handler run once per accepted connection,
// inside whichever worker won the accept race. It must be reconstructible
// identically in both the supervisor process and every re-executed
// worker, so it closes over nothing but its own arguments.
func echoHandler(conn net.Conn, remote net.Addr, handle *preforkd.WorkerHandle) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		opts := handle.Options()
		fmt.Fprintf(conn, "pid=%d max_threads=%d: %s\n", handle.PID(), opts.MaxThreads, line)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "preforkd-echo"
	app.Usage = "prefork TCP echo server, demonstrating the preforkd supervisor"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port", Value: 9000, Usage: "TCP port to listen on"},
		cli.IntFlag{Name: "min", Value: 2, Usage: "min_processes"},
		cli.IntFlag{Name: "max", Value: 8, Usage: "max_processes"},
		cli.IntFlag{Name: "max-threads", Value: 4, Usage: "max_threads per worker"},
		cli.IntFlag{Name: "standby-threads", Value: 2, Usage: "standby_threads"},
		cli.IntFlag{Name: "status-port", Value: 9001, Usage: "HTTP port for /status and /health (supervisor process only)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("preforkd-echo: fatal error")
	}
}

func run(c *cli.Context) error {
	if preforkd.IsWorkerProcess() {
		// Re-executed worker: no flag parsing needed beyond what crossed
		// the pipe/env boundary already (process.go handles that).
		preforkd.RunWorker(echoHandler)
		return nil
	}

	sup, err := preforkd.New(c.Int("port"),
		preforkd.WithMinProcesses(c.Int("min")),
		preforkd.WithMaxProcesses(c.Int("max")),
		preforkd.WithMaxThreads(c.Int("max-threads")),
		preforkd.WithStandbyThreads(c.Int("standby-threads")),
		preforkd.WithOnChildStart(func(pid int) {
			logrus.WithField("pid", pid).Info("worker started")
		}),
		preforkd.WithOnChildExit(func(pid, status int) {
			logrus.WithFields(logrus.Fields{"pid": pid, "status": status}).Info("worker exited")
		}),
	)
	if err != nil {
		return err
	}

	startStatusServer(sup, c.Int("status-port"))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logrus.Info("SIGHUP received, reloading")
				_ = sup.Reload(
					preforkd.WithMinProcesses(c.Int("min")),
					preforkd.WithMaxProcesses(c.Int("max")),
					preforkd.WithMaxThreads(c.Int("max-threads")),
					preforkd.WithStandbyThreads(c.Int("standby-threads")),
				)
			default:
				logrus.WithField("signal", sig).Info("shutting down")
				sup.Stop()
				return
			}
		}
	}()

	logrus.WithField("port", c.Int("port")).Info("preforkd-echo listening")
	return sup.Start(echoHandler)
}

func startStatusServer(sup *preforkd.Supervisor, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sup.Metrics())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("status server exited")
		}
	}()
}
