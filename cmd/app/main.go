package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market_feed/internal/app"
	"market_feed/internal/feed/sim"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "net/http/pprof" // For pprof profiling
)

var (
	configPath string
	pprofAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "feedd",
	Short: "Market data feed daemon",
	Long: `feedd keeps a persistent market-data WebSocket open, keeps the instrument
universe subscribed in batches, and serves the last known price of every
instrument even while the connection is down.`,
	SilenceUsage: true,
	RunE:         runFeed,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the feed and serve health",
	RunE:  runFeed,
}

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Manage the instrument universe table",
}

var universeImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Activate every key in file (one per line)",
	Args:  cobra.ExactArgs(1),
	RunE:  importUniverse,
}

var universeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the universe table",
	RunE:  listUniverse,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local feed server publishing a random walk",
	RunE:  simulate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&pprofAddr, "pprof", "", "pprof listen address, e.g. localhost:6060")

	simulateCmd.Flags().String("listen", "127.0.0.1:8765", "listen address")
	simulateCmd.Flags().String("token", "dev-token", "accepted bearer token")
	simulateCmd.Flags().Duration("interval", 250*time.Millisecond, "publish interval")

	universeCmd.AddCommand(universeImportCmd, universeListCmd)
	rootCmd.AddCommand(runCmd, universeCmd, simulateCmd)
}

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}

	if err := rootCmd.Execute(); err != nil {
		slog.Error("❌ Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func startPprof() {
	if pprofAddr == "" {
		return
	}
	go func() {
		slog.Info("🕵️ Pprof server started", slog.String("addr", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()
}

func runFeed(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.LoadConfig(); err != nil {
		return err
	}
	startPprof()

	if err := bootstrap.Initialize(ctx); err != nil {
		bootstrap.Close()
		return fmt.Errorf("bootstrapping failed: %w", err)
	}
	return bootstrap.Run(ctx)
}

func importUniverse(cmd *cobra.Command, args []string) error {
	keys, err := app.ReadUniverseFile(args[0])
	if err != nil {
		return err
	}

	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.LoadConfig(); err != nil {
		return err
	}
	bootstrap.Config.Storage.Enabled = true
	if err := bootstrap.OpenStorage(); err != nil {
		return err
	}
	defer bootstrap.Close()

	n, err := bootstrap.Storage.ImportKeys(cmd.Context(), keys)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d instruments into %s\n", n, bootstrap.Config.Storage.Path)
	return nil
}

func listUniverse(cmd *cobra.Command, _ []string) error {
	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.LoadConfig(); err != nil {
		return err
	}
	bootstrap.Config.Storage.Enabled = true
	if err := bootstrap.OpenStorage(); err != nil {
		return err
	}
	defer bootstrap.Close()

	rows, err := bootstrap.Storage.ListInstruments(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range rows {
		state := "active"
		if !r.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Key, state, r.Label)
	}
	return nil
}

func simulate(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	token, _ := cmd.Flags().GetString("token")
	interval, _ := cmd.Flags().GetDuration("interval")

	ctx, stop := signalContext()
	defer stop()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	wsURL := "ws://" + ln.Addr().String() + "/feed"

	srv := sim.NewServer(token)
	hs := &http.Server{Handler: srv.Handler(wsURL), ReadHeaderTimeout: 5 * time.Second}
	go srv.Run(ctx, interval)
	go func() {
		<-ctx.Done()
		srv.DropAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()

	slog.Info("✅ Simulator listening",
		slog.String("feed", wsURL),
		slog.String("authorize", "http://"+ln.Addr().String()+"/authorize"),
	)
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
