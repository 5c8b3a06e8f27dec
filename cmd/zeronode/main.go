// cmd/zeronode/main.go
//
// zeronode hosts ZeroNet sites: it serves their files to other peers,
// downloads and verifies updates, finds peers through trackers and LAN
// discovery, and exposes a local gateway for the browser.
//
// Usage:
//
//	zeronode start [--config zeronode.toml] [--data-dir ./data] [--site <address>]
//	zeronode init [--config zeronode.toml]
//	zeronode sites
//	zeronode status
//	zeronode stop
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zeronode/zeronode/internal/config"
	"github.com/zeronode/zeronode/internal/storage"
)

const version = "0.7.2"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "zeronode.toml",
		Usage:   "TOML configuration file",
		EnvVars: []string{"ZERONODE_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "data-dir",
		Usage:   "data directory (overrides data_dir)",
		EnvVars: []string{"ZERONODE_DATA_DIR"},
	}
	uiFlag = &cli.StringFlag{
		Name:  "ui",
		Usage: "gateway listen address (overrides ui)",
	}
	fileserverPortFlag = &cli.IntFlag{
		Name:  "fileserver-port",
		Usage: "peer protocol port, 0 picks one from the configured range",
		Value: -1,
	}
	trackerFlag = &cli.StringSliceFlag{
		Name:  "tracker",
		Usage: "tracker URL, replaces the configured list when given",
	}
	siteFlag = &cli.StringSliceFlag{
		Name:  "site",
		Usage: "site address to host",
	}
	bootstrapFlag = &cli.BoolFlag{
		Name:  "bootstrap",
		Usage: "answer announce requests as a zero:// tracker",
	}
)

func main() {
	app := &cli.App{
		Name:    "zeronode",
		Usage:   "ZeroNet-compatible site hosting node",
		Version: version,
		Flags:   []cli.Flag{configFlag, dataDirFlag},
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Run the node until interrupted",
				Flags:  []cli.Flag{uiFlag, fileserverPortFlag, trackerFlag, siteFlag, bootstrapFlag},
				Action: cmdStart,
			},
			{
				Name:   "init",
				Usage:  "Write the default configuration file",
				Action: cmdInit,
			},
			{
				Name:   "sites",
				Usage:  "List indexed sites",
				Action: cmdSites,
			},
			{
				Name:   "status",
				Usage:  "Check whether the node is running",
				Action: cmdStatus,
			},
			{
				Name:   "stop",
				Usage:  "Stop the running node",
				Action: cmdStop,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.DataDir = c.String(dataDirFlag.Name)
	}
	if c.IsSet(uiFlag.Name) {
		cfg.UI = c.String(uiFlag.Name)
	}
	if c.IsSet(fileserverPortFlag.Name) {
		cfg.FileserverPort = c.Int(fileserverPortFlag.Name)
	}
	if c.IsSet(trackerFlag.Name) {
		cfg.Trackers = c.StringSlice(trackerFlag.Name)
	}
	if c.IsSet(siteFlag.Name) {
		cfg.Sites = append(cfg.Sites, c.StringSlice(siteFlag.Name)...)
	}
	if c.IsSet(bootstrapFlag.Name) {
		cfg.Bootstrap = c.Bool(bootstrapFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdStart(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "zeronode.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("zeronode %s started\n", version)
	fmt.Printf("  Peer ID:    %s\n", n.peerID)
	fmt.Printf("  Fileserver: %s\n", n.fs.Addr())
	fmt.Printf("  Gateway:    http://%s\n", cfg.UI)

	err = n.run(ctx)
	fmt.Println("\nShutting down...")
	return err
}

func cmdInit(c *cli.Context) error {
	path := c.String(configFlag.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := config.Default()
	if c.IsSet(dataDirFlag.Name) {
		cfg.DataDir = c.String(dataDirFlag.Name)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func cmdSites(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return printSites(os.Stdout, cfg)
}

// printSites writes one line per indexed site with its peer count.
func printSites(w io.Writer, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := storage.NewDB(cfg.ContentDB())
	if err != nil {
		return err
	}
	defer db.Close()

	sites, err := db.ListSites()
	if err != nil {
		return err
	}
	for _, s := range sites {
		peers, err := db.ListPeers(s.Address)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  added %s  peers %d\n", s.Address, time.Unix(s.Added, 0).Format(time.DateOnly), len(peers))
	}
	return nil
}

// readPID returns the pid of a running node, or 0.
func readPID(dataDir string) int {
	data, err := os.ReadFile(filepath.Join(dataDir, "zeronode.pid"))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0
	}
	return pid
}

func cmdStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pid := readPID(cfg.DataDir)
	if pid == 0 {
		fmt.Println("zeronode not running")
		return nil
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + cfg.UI + "/api/health")
	if err != nil {
		fmt.Printf("zeronode running (PID %d) but gateway unreachable: %v\n", pid, err)
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("zeronode running (PID %d)\n", pid)
	fmt.Printf("  Gateway: http://%s\n", cfg.UI)
	fmt.Printf("  Health:  %s\n", strings.TrimSpace(string(body)))
	return nil
}

func cmdStop(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pid := readPID(cfg.DataDir)
	if pid == 0 {
		fmt.Println("zeronode not running")
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop zeronode (PID %d): %w", pid, err)
	}
	fmt.Printf("zeronode stopped (PID %d)\n", pid)
	return nil
}
