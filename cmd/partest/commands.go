package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loykin/partest/internal/barrier"
	"github.com/loykin/partest/internal/config"
	"github.com/loykin/partest/internal/controller"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/history"
	"github.com/loykin/partest/internal/history/factory"
	"github.com/loykin/partest/internal/metrics"
	"github.com/loykin/partest/internal/pids"
	"github.com/loykin/partest/internal/server"
	"github.com/loykin/partest/internal/session"
	ptls "github.com/loykin/partest/internal/tls"
	"github.com/loykin/partest/internal/workers"
)

// cli carries what every command needs once the root pre-run has loaded
// the configuration.
type cli struct {
	env      env.Writer
	cpus     workers.CPUCounter
	signaler controller.Signaler

	cfg *config.Config
	log *slog.Logger
}

func newCLI() *cli {
	return &cli{env: env.OS{}, cpus: workers.HostCPUs}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c *cli) *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "partest",
		Short: "Coordinate sibling test worker processes",
		Long: `partest runs a command as N sibling workers that share one pid registry,
and gives each worker the primitives to count, wait for, stop and diagnose
its siblings.

Examples:
  partest run --count 4 -- go test ./...
  partest pids list -o table          # inside a worker
  partest wait && partest last && ./merge-reports.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd, gf)
		},
	}
	root.PersistentFlags().StringVar(&gf.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&gf.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&gf.LogFormat, "log-format", "", "log format: text|json")

	root.AddCommand(
		createCountCommand(c),
		createRunCommand(c),
		createPidsCommand(c),
		createWaitCommand(c),
		createStopCommand(c),
		createFirstCommand(c),
		createLastCommand(c),
		createDumpCommand(c),
		createServeCommand(c),
		createRemoteCommand(c),
		createHistoryCommand(c),
		createConfigCommand(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, gf *GlobalFlags) error {
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if gf.LogLevel != "" {
		cfg.Log.Slog.Level = gf.LogLevel
	}
	if gf.LogFormat != "" {
		cfg.Log.Slog.Format = gf.LogFormat
	}
	c.cfg = cfg
	c.log = cfg.Log.Slog.NewSlogger(cmd.ErrOrStderr())
	slog.SetDefault(c.log)
	return metrics.Register(prometheus.DefaultRegisterer)
}

// historySink opens the configured sink. Failures only disable history.
func (c *cli) historySink() history.Sink {
	if c.cfg.History.DSN == "" {
		return nil
	}
	s, err := factory.NewSinkFromDSN(c.cfg.History.DSN)
	if err != nil {
		c.log.Warn("history disabled", "error", err)
		return nil
	}
	return s
}

func (c *cli) controller() *controller.Controller {
	opts := []controller.Option{
		controller.WithEnv(c.env),
		controller.WithLogger(c.log),
		controller.WithPidDir(c.cfg.PidDir),
		controller.WithInterval(c.cfg.WaitInterval),
	}
	if h := c.historySink(); h != nil {
		opts = append(opts, controller.WithHistory(h))
	}
	if c.signaler != nil {
		opts = append(opts, controller.WithSignaler(c.signaler))
	}
	return controller.New(opts...)
}

// registry reaches the pid file a runner published for this worker.
func (c *cli) registry() (*pids.Registry, error) {
	path, err := session.LookupPidFile(c.env)
	if err != nil {
		c.log.Info("pid file being fetched but not available")
		return nil, err
	}
	c.log.Info("pid file being fetched", "path", path)
	return pids.New(path), nil
}

func (c *cli) workerCount(requested string) int {
	if requested == "" {
		requested = c.cfg.Processors
	}
	return workers.Resolve(requested, c.env, c.cpus)
}

func createCountCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "count [n]",
		Short: "Print the resolved worker count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requested := ""
			if len(args) == 1 {
				requested = args[0]
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), c.workerCount(requested))
			return err
		},
	}
}

func createRunCommand(c *cli) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [--count n] -- command [args...]",
		Short: "Run a command as sibling workers sharing one pid registry",
		Long: `Run starts n copies of the command. Each copy gets PARALLEL_PID_FILE,
TEST_ENV_NUMBER ("" for the first worker, then 2..n) and PARALLEL_TEST_GROUPS.
Interrupting the runner interrupts every registered worker.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, f, args)
		},
	}
	cmd.Flags().StringVarP(&f.Count, "count", "n", "", "number of workers (default: PARALLEL_TEST_PROCESSORS or CPU count)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "serve the HTTP API on this address while workers run")
	return cmd
}

type workerResult struct {
	index int
	pid   int
	err   error
}

func (c *cli) run(cmd *cobra.Command, f *RunFlags, args []string) error {
	n := c.workerCount(f.Count)
	if n < 1 {
		n = 1
	}
	base, err := c.cfg.WorkerEnv()
	if err != nil {
		return fmt.Errorf("worker env: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := c.controller()
	return ctrl.Run(ctx, func(ctx context.Context, s *session.Session) error {
		if c.cfg.DiagSignal {
			controller.NotifyDiagnostics(ctx, s)
		}
		if f.Listen != "" {
			srv, err := c.startServer(f.Listen, c.cfg.Server.BasePath, ctrl)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()
		}
		reg, err := s.Registry()
		if err != nil {
			return err
		}

		var closers []io.Closer
		defer func() {
			for _, cl := range closers {
				_ = cl.Close()
			}
		}()
		procs := make([]*exec.Cmd, 0, n)
		for i := 1; i <= n; i++ {
			childEnv, err := s.ChildEnv(i, n, base)
			if err != nil {
				return err
			}
			wc := exec.Command(args[0], args[1:]...)
			wc.Env = childEnv
			wc.Stdout, wc.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			outW, errW, _ := c.cfg.Log.ProcessWriters(fmt.Sprintf("worker-%d", i))
			if outW != nil {
				wc.Stdout = outW
				closers = append(closers, outW)
			}
			if errW != nil {
				wc.Stderr = errW
				closers = append(closers, errW)
			}
			if err := wc.Start(); err != nil {
				c.abort(ctx, ctrl, procs)
				return fmt.Errorf("start worker %d: %w", i, err)
			}
			if err := reg.Add(wc.Process.Pid); err != nil {
				procs = append(procs, wc)
				c.abort(ctx, ctrl, procs)
				return fmt.Errorf("register worker %d: %w", i, err)
			}
			c.log.Info("worker started", "worker", i, "pid", wc.Process.Pid)
			procs = append(procs, wc)
		}

		exited := &exitSet{}
		done := make(chan workerResult, len(procs))
		for i, p := range procs {
			go func(index int, p *exec.Cmd) {
				err := p.Wait()
				exited.add(p.Process.Pid)
				if derr := reg.Delete(p.Process.Pid); derr != nil {
					c.log.Warn("unregister worker", "pid", p.Process.Pid, "error", derr)
				}
				done <- workerResult{index: index, pid: p.Process.Pid, err: err}
			}(i+1, p)
		}

		failed := 0
		interrupted := ctx.Done()
		for remaining := len(procs); remaining > 0; {
			select {
			case r := <-done:
				remaining--
				if r.err != nil {
					failed++
					c.log.Warn("worker failed", "worker", r.index, "pid", r.pid, "error", r.err)
				} else {
					c.log.Info("worker finished", "worker", r.index, "pid", r.pid)
				}
			case <-interrupted:
				interrupted = nil
				c.log.Info("interrupted; stopping workers")
				c.interrupt(ctx, ctrl, exited.running(procs))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workers failed", failed, len(procs))
		}
		return nil
	})
}

// exitSet records workers already reaped by their waiter, so an interrupt
// does not target a pid that may have been reused.
type exitSet struct {
	mu   sync.Mutex
	pids map[int]bool
}

func (e *exitSet) add(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pids == nil {
		e.pids = map[int]bool{}
	}
	e.pids[pid] = true
}

func (e *exitSet) running(procs []*exec.Cmd) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, p := range procs {
		if !e.pids[p.Process.Pid] {
			out = append(out, p.Process.Pid)
		}
	}
	return out
}

// interrupt signals the runner's own workers directly, so an unregistered
// or just-exited worker does not keep its siblings from being stopped.
func (c *cli) interrupt(ctx context.Context, ctrl *controller.Controller, targets []int) {
	if err := ctrl.Interrupt(context.WithoutCancel(ctx), targets...); err != nil {
		c.log.Warn("stop workers", "error", err)
	}
}

// abort interrupts every worker started so far and reaps them. None has a
// waiter yet, so all of them are still running or unreaped.
func (c *cli) abort(ctx context.Context, ctrl *controller.Controller, procs []*exec.Cmd) {
	targets := make([]int, 0, len(procs))
	for _, p := range procs {
		targets = append(targets, p.Process.Pid)
	}
	c.interrupt(ctx, ctrl, targets)
	for _, p := range procs {
		_ = p.Wait()
	}
}

func parsePIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		return []int{os.Getppid()}, nil
	}
	out := make([]int, 0, len(args))
	for _, a := range args {
		pid, err := strconv.Atoi(a)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		out = append(out, pid)
	}
	return out, nil
}

func createPidsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pids",
		Short: "Inspect or edit the shared pid registry of the current run",
	}
	lf := &PidsListFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.registry()
			if err != nil {
				return err
			}
			return listPids(cmd.OutOrStdout(), reg, lf)
		},
	}
	list.Flags().StringVarP(&lf.Output, "output", "o", "table", "output format: table|json|yaml")
	list.Flags().BoolVar(&lf.Stats, "stats", false, "include cpu and memory usage")
	list.Flags().BoolVar(&lf.Live, "live", false, "only workers that are still running")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add [pid...]",
			Short: "Register pids (default: the calling shell)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.editPids(args, (*pids.Registry).Add)
			},
		},
		&cobra.Command{
			Use:   "remove [pid...]",
			Short: "Unregister pids (default: the calling shell)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.editPids(args, (*pids.Registry).Delete)
			},
		},
		list,
		&cobra.Command{
			Use:   "count",
			Short: "Print the number of registered workers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := c.registry()
				if err != nil {
					return err
				}
				n, err := reg.Count()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Drop workers that are no longer running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := c.registry()
				if err != nil {
					return err
				}
				n, err := reg.Prune()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", n)
				return err
			},
		},
	)
	return cmd
}

func (c *cli) editPids(args []string, op func(*pids.Registry, int) error) error {
	list, err := parsePIDs(args)
	if err != nil {
		return err
	}
	reg, err := c.registry()
	if err != nil {
		return err
	}
	for _, pid := range list {
		if err := op(reg, pid); err != nil {
			return fmt.Errorf("pid %d: %w", pid, err)
		}
	}
	return nil
}

func createWaitCommand(c *cli) *cobra.Command {
	f := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until this is the last registered worker",
		Long: `Wait returns immediately outside a multi-worker run (TEST_ENV_NUMBER unset).
Otherwise it polls the registry until at most one worker is left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := c.env.Lookup(env.WorkerIndex); !ok {
				return nil
			}
			reg, err := c.registry()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if f.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.Timeout)
				defer cancel()
			}
			interval := f.Interval
			if interval <= 0 {
				interval = c.cfg.WaitInterval
			}
			took := controller.Delta(func() { err = barrier.Wait(ctx, reg, c.env, interval) })
			metrics.ObserveBarrierWait(took.Seconds())
			return err
		},
	}
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "poll interval (default from config, 1s)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "give up after this long (default: wait forever)")
	return cmd
}

func createStopCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Interrupt every registered worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.registry()
			if err != nil {
				return err
			}
			return c.controller().StopRegistered(cmd.Context(), reg)
		},
	}
}

func createFirstCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "first",
		Short: "Exit 0 when this is the first worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if controller.FirstProcess(c.env) {
				return nil
			}
			return exitCode(1)
		},
	}
}

func createLastCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Exit 0 when this is the last worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if controller.LastProcess(c.env) {
				return nil
			}
			return exitCode(1)
		},
	}
}

func createDumpCommand(c *cli) *cobra.Command {
	f := &DumpFlags{}
	cmd := &cobra.Command{
		Use:   "dump --pid P",
		Short: "Ask a runner to print all goroutine stacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.PID <= 0 {
				return errors.New("--pid is required")
			}
			return controller.RequestDump(f.PID)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "pid of the partest runner")
	return cmd
}

func createServeCommand(c *cli) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a session and serve its HTTP API until interrupted",
		Long: `Serve opens a session, prints the PARALLEL_PID_FILE assignment for workers
started elsewhere, and serves the HTTP API and metrics until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := f.Listen
			if listen == "" {
				listen = c.cfg.Server.Listen
			}
			base := f.BasePath
			if base == "" {
				base = c.cfg.Server.BasePath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctrl := c.controller()
			return ctrl.Run(ctx, func(ctx context.Context, s *session.Session) error {
				path, err := s.PidFilePath()
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", env.PidFile, path); err != nil {
					return err
				}
				if c.cfg.DiagSignal {
					controller.NotifyDiagnostics(ctx, s)
				}
				srv, err := c.startServer(listen, base, ctrl)
				if err != nil {
					return err
				}
				closeMetrics := c.serveMetrics()
				<-ctx.Done()
				closeMetrics()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func (c *cli) startServer(listen, base string, ctrl *controller.Controller) (*http.Server, error) {
	tlsCfg, err := ptls.Setup(c.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	srv, err := server.NewServer(listen, base, ctrl, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listen, err)
	}
	c.log.Info("serving", "addr", listen, "base", base, "tls", tlsCfg != nil)
	return srv, nil
}

// serveMetrics exposes /metrics on metrics.listen when configured.
func (c *cli) serveMetrics() func() {
	if c.cfg.Metrics.Listen == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: c.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn("metrics server", "error", err)
		}
	}()
	return func() { _ = srv.Close() }
}

func createConfigCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
