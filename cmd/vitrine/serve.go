package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/discovery"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/server"
)

func startCmd() *cobra.Command {
	var foreground, noOpen bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the display server (detached by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if foreground {
				return runForeground(noOpen)
			}
			return startDetached(noOpen)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground instead of detaching")
	cmd.Flags().BoolVar(&noOpen, "no-open", false, "Do not open the browser")
	return cmd
}

func startDetached(noOpen bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if rec, err := discovery.Discover(cfg.DataDir); err == nil {
		fmt.Println(okStyle.Render("✓") + " server already running at " + rec.URL)
		return nil
	}
	fmt.Println(dimStyle.Render("> starting server..."))
	rec, err := discovery.DiscoverOrSpawn(cfg.DataDir, func() error {
		return discovery.SpawnDetachedStarter()
	})
	if err != nil {
		return fmt.Errorf("server did not start: %w", err)
	}
	fmt.Println(okStyle.Render("✓") + " server running at " + rec.URL)
	if !noOpen {
		openBrowser(rec.URL)
	}
	return nil
}

func runForeground(noOpen bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.File, false)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	if !noOpen {
		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if rec, err := discovery.ReadRecord(cfg.DataDir); err == nil && discovery.Validate(rec) {
					openBrowser(rec.URL)
					return
				}
				time.Sleep(200 * time.Millisecond)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, server.ErrAlreadyRunning) {
			fmt.Println(dimStyle.Render("> another server already owns this project"))
			return nil
		}
		return err
	}
	return nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rec, err := discovery.Discover(cfg.DataDir)
			if err != nil {
				fmt.Println(dimStyle.Render("> no server running"))
				return nil
			}
			if err := requestShutdown(rec); err != nil {
				// The API refused; fall back to terminating the process.
				discovery.Terminate(rec.PID)
			}
			fmt.Println(okStyle.Render("✓") + " server stopped")
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	var noOpen bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if rec, err := discovery.Discover(cfg.DataDir); err == nil {
				if err := requestShutdown(rec); err != nil {
					discovery.Terminate(rec.PID)
				}
				waitForExit(cfg.DataDir, 5*time.Second)
			}
			return startDetached(noOpen)
		},
	}
	cmd.Flags().BoolVar(&noOpen, "no-open", false, "Do not open the browser")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rec, err := discovery.Discover(cfg.DataDir)
			if err != nil {
				fmt.Println(failStyle.Render("✗") + " not running")
				return nil
			}
			hs, ok := discovery.Health(rec.Port, rec.SessionID)
			if !ok {
				fmt.Println(failStyle.Render("✗") + " pid file present but server unhealthy")
				return nil
			}
			fmt.Println(okStyle.Render("✓") + " running")
			fmt.Println(dimStyle.Render("  url      ") + rec.URL)
			fmt.Println(dimStyle.Render("  pid      ") + fmt.Sprint(rec.PID))
			fmt.Println(dimStyle.Render("  session  ") + rec.SessionID)
			fmt.Println(dimStyle.Render("  uptime   ") + (time.Duration(hs.Uptime) * time.Second).String())
			fmt.Println(dimStyle.Render("  studies  ") + fmt.Sprint(hs.StudyCount))
			return nil
		},
	}
}

// requestShutdown asks the server to exit through its API so the teardown
// path runs.
func requestShutdown(rec *discovery.Record) error {
	req, err := http.NewRequest("POST", rec.APIURL()+"/api/shutdown", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rec.Token)
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown refused: HTTP %d", res.StatusCode)
	}
	return nil
}

func waitForExit(dataDir string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := discovery.Discover(dataDir); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Debug("browser open failed", "error", err)
	}
}
