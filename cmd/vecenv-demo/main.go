// Command vecenv-demo drives a pool of cartpole environments.
//
// The run subcommand steps a pool with a simple balancing policy, using
// in-process workers, worker subprocesses of this binary, or remote
// WebSocket worker hosts. The serve subcommand turns this binary into
// such a host.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	vecenv "github.com/smnsjas/go-vecenv"
	"github.com/smnsjas/go-vecenv/cartpole"
	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/remote"
	"github.com/smnsjas/go-vecenv/subproc"
)

var runFlags struct {
	envs        int
	workers     int
	steps       int
	mode        string
	hosts       []string
	render      string
	stepTimeout time.Duration
	debug       bool
}

var serveFlags struct {
	addr string
}

func main() {
	// Worker re-execution comes before any CLI handling: launched as a
	// pool worker, this binary speaks the pool protocol on stdio and
	// nothing else.
	if subproc.IsWorker() {
		cartpole.Register()
		if err := subproc.RunWorker(); err != nil {
			log.Fatalf("worker %d: %v", subproc.WorkerIndex(), err)
		}
		return
	}

	rootCmd := &cobra.Command{
		Use:   "vecenv-demo",
		Short: "vecenv-demo steps a pool of cartpole environments.",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pool with a balancing policy",
		RunE:  runPool,
	}
	runCmd.Flags().IntVar(&runFlags.envs, "envs", 4, "number of environments")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "number of workers (0 means one per environment)")
	runCmd.Flags().IntVar(&runFlags.steps, "steps", 200, "steps to run")
	runCmd.Flags().StringVar(&runFlags.mode, "mode", "subproc", "worker placement: local, subproc or remote")
	runCmd.Flags().StringSliceVar(&runFlags.hosts, "hosts", nil, "worker host URLs for remote mode (ws://...)")
	runCmd.Flags().StringVar(&runFlags.render, "render", "", "render every 20 steps: rgb_array or human")
	runCmd.Flags().DurationVar(&runFlags.stepTimeout, "step-timeout", 0, "per-step reply timeout (0 waits indefinitely)")
	runCmd.Flags().BoolVar(&runFlags.debug, "debug", false, "enable pool debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cartpole workers over WebSocket",
		RunE:  serveWorkers,
	}
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", ":"+getenv("PORT", "9100"), "listen address")

	for _, envFile := range []string{".env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(runCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLauncher() (vecenv.Launcher, error) {
	switch runFlags.mode {
	case "local":
		cartpole.Register()
		return vecenv.InProcess(), nil
	case "subproc":
		return subproc.SelfExec()
	case "remote":
		return remote.NewLauncher(runFlags.hosts...)
	default:
		return nil, fmt.Errorf("unknown mode %q (want local, subproc or remote)", runFlags.mode)
	}
}

func runPool(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	launcher, err := buildLauncher()
	if err != nil {
		return err
	}

	specs := make([]env.Spec, runFlags.envs)
	for i := range specs {
		spec, err := cartpole.NewSpec(cartpole.Config{Seed: int64(i) + 1})
		if err != nil {
			return err
		}
		specs[i] = spec
	}

	opts := []vecenv.Option{vecenv.WithWorkers(runFlags.workers)}
	if runFlags.stepTimeout > 0 {
		opts = append(opts, vecenv.WithStepTimeout(runFlags.stepTimeout))
	}

	log.Printf("Starting pool: %d environment(s), mode %s...", runFlags.envs, runFlags.mode)
	pool, err := vecenv.New(ctx, launcher, specs, opts...)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()
	if runFlags.debug {
		pool.EnableDebugLogging()
	}

	log.Printf("Pool %s ready: %d worker(s), observations %s, actions %s",
		pool.ID(), pool.NumWorkers(), pool.ObservationSpace(), pool.ActionSpace())

	batch, err := pool.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	actions := policy(batch.Observations())

	episodes := make([]int, pool.NumEnvs())
	returns := make([]float64, pool.NumEnvs())
	start := time.Now()
	for step := 1; step <= runFlags.steps; step++ {
		result, err := pool.Step(ctx, actions)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		for slot, rewards := range result.Rewards() {
			for _, r := range rewards {
				returns[slot] += r
			}
		}
		for slot, done := range result.Dones() {
			if done.All() {
				episodes[slot]++
			}
		}
		actions = policy(result.Observations())

		if runFlags.render != "" && step%20 == 0 {
			if err := renderPool(ctx, pool, step); err != nil {
				return err
			}
		}
	}

	elapsed := time.Since(start)
	for slot := range episodes {
		log.Printf("slot %d: %d finished episode(s), total reward %.0f", slot, episodes[slot], returns[slot])
	}
	log.Printf("%d step(s) x %d environment(s) in %s (%.0f env steps/s)",
		runFlags.steps, pool.NumEnvs(), elapsed.Round(time.Millisecond),
		float64(runFlags.steps*pool.NumEnvs())/elapsed.Seconds())

	log.Println("Closing pool...")
	if err := pool.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	log.Println("Done.")
	return nil
}

// policy pushes each cart toward the side its pole leans to.
func policy(observations [][][]float64) []env.Action {
	actions := make([]env.Action, len(observations))
	for slot, obs := range observations {
		theta := obs[0][2]
		if theta > 0 {
			actions[slot] = env.Action{{1}}
		} else {
			actions[slot] = env.Action{{0}}
		}
	}
	return actions
}

func renderPool(ctx context.Context, pool *vecenv.Manager, step int) error {
	mode := env.RenderMode(runFlags.render)
	frames, err := pool.Render(ctx, mode)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if mode == env.ModeRGBArray {
		log.Printf("step %d: %d frame(s) of %dx%d", step, len(frames), frames[0].Height, frames[0].Width)
	}
	return nil
}

func serveWorkers(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cartpole.Register()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", remote.Handler())

	server := &http.Server{
		Addr:              serveFlags.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("worker host listening on %s (environments: %s)", serveFlags.addr, strings.Join(env.Registered(), ", "))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
