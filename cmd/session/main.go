// Command session runs a headless editing session against the model
// service. Edits are read line by line from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"protoedit/editcore/internal/collab"
	"protoedit/editcore/internal/command"
	"protoedit/editcore/internal/config"
	"protoedit/editcore/internal/controller"
	"protoedit/editcore/internal/remote"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/transaction"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// drainTimeout bounds the wait for unacknowledged updates and store writes on exit
const drainTimeout = 5 * time.Second

func main() {
	defer glog.Flush()

	cfg, err := config.ParseFlags()
	if err != nil {
		glog.Exitf("Error parsing configuration: %v", err)
	}
	if cfg.Session.AppID == "" {
		glog.Exitf("No document id, use -app or session.app_id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	sc := cfg.Session
	client := remote.New(sc.ServerURL)

	doc, stack, err := load(ctx, client, sc.AppID)
	if err != nil {
		return err
	}

	cache, err := store.Open(ctx, sc.CacheBackend, sc.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer cache.Close()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics)
	}

	loop := sched.NewLoop()
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go loop.Run(loopCtx)

	bridge := collab.NewBridge(loop, "")
	var ctrl *controller.Controller
	err = loop.Do(ctx, func() {
		ctrl = controller.New(controller.Options{
			// calls in flight finish after a signal
			Context:   context.WithoutCancel(ctx),
			Scheduler: loop,
			Service:   client,
			Store:     cache,
			Presenter: controller.NewTextPresenter(os.Stdout),
			Bridge:    bridge,
			Debounce:  sc.Debounce,
			Immediate: sc.Immediate,
			Public:    sc.Public,
			TransactionOptions: []transaction.Option{
				transaction.WithInterval(sc.TransactionInterval),
				transaction.WithMaxChecks(sc.TransactionChecks),
			},
		})
		ctrl.SetModel(doc)
		ctrl.SetCommandStack(stack)
	})
	if err != nil {
		return err
	}

	if hub := hubURL(sc); hub != "" {
		transport, err := collab.DialWebsocket(ctx, hub+"/ws/apps/"+sc.AppID, nil, bridge)
		if err != nil {
			glog.Warningf("Editing without collaboration: %v", err)
		} else {
			defer transport.Close()
		}
	}

	if fs, ok := cache.(*store.FileStore); ok {
		err := fs.Watch(ctx, func(id string) {
			if id == sc.AppID {
				loop.Post(ctrl.CheckLocalCopy)
			}
		})
		if err != nil {
			glog.Warningf("Not watching local cache: %v", err)
		}
	}

	s := &session{ctrl: ctrl, out: os.Stdout}
	readLines(ctx, loop, s)

	return shutdown(loop, ctrl)
}

// load fetches the document and its command stack, creating the document
// when the service does not know it
func load(ctx context.Context, client *remote.Client, appID string) (*wire.Document, *command.Stack, error) {
	doc, err := client.GetApp(ctx, appID)
	var status *remote.StatusError
	if errors.As(err, &status) && status.Code == http.StatusNotFound {
		glog.Infof("Creating document %s", appID)
		doc, err = client.CreateApp(ctx, wire.NewDocument(appID, appID))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load document %s: %w", appID, err)
	}

	stack, err := client.GetCommandStack(ctx, appID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load command stack of %s: %w", appID, err)
	}
	return doc, stack, nil
}

// hubURL returns the collab hub base URL, derived from the server URL unless
// configured
func hubURL(sc config.SessionConfig) string {
	if sc.HubURL != "" {
		return strings.TrimSuffix(sc.HubURL, "/")
	}
	u := strings.TrimSuffix(sc.ServerURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return ""
	}
}

func serveMetrics(cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	glog.Infof("Serving metrics on %s%s", cfg.Addr, cfg.Path)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		glog.Errorf("Metrics listener stopped: %v", err)
	}
}

// readLines runs stdin commands on the loop until quit, EOF or ctx ends
func readLines(ctx context.Context, loop *sched.Loop, s *session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			var (
				quit bool
				err  error
			)
			if doErr := loop.Do(ctx, func() { quit, err = s.exec(line) }); doErr != nil {
				return
			}
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// shutdown flushes pending changes, waits a while for the server and local
// store writes to settle and closes the controller
func shutdown(loop *sched.Loop, ctrl *controller.Controller) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := loop.Do(ctx, ctrl.Flush); err != nil {
		return err
	}
	for {
		var open, pending int
		if err := loop.Do(ctx, func() { open, pending = ctrl.Transactions(), ctrl.Pending() }); err != nil {
			glog.Warningf("Exiting with %d unacknowledged changes and %d writes in flight", open, pending)
			break
		}
		if open == 0 && pending == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return loop.Do(context.Background(), ctrl.Close)
}
