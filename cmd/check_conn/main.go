package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/data"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
	"sqlpilot/internal/service"
	"sqlpilot/internal/tunnel"
)

// check_conn runs the connection probe against a stored database target, through its SSH
// tunnel when it has one.
func main() {
	id := flag.String("id", "", "Database target id")
	owner := flag.Int64("owner", 0, "Owning user id")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	if *id == "" || *owner == 0 {
		fmt.Println("Usage: check_conn -id <target id> -owner <user id>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := data.InitDB(ctx, cfg.DataPath)
	if err != nil {
		log.Fatal("Failed to init database", zap.Error(err))
	}
	defer db.Close()

	codec, err := service.NewEncryptionService(cfg.MasterKey)
	if err != nil {
		log.Fatal("Failed to init crypto service", zap.Error(err))
	}

	m := metrics.NewUnregistered()
	tunnels, err := tunnel.NewManager(cfg.SSH, codec, log, m)
	if err != nil {
		log.Fatal("Failed to init tunnel manager", zap.Error(err))
	}
	defer tunnels.CloseAll(context.Background())

	exec := service.NewQueryExecutor(codec, tunnels, cfg.Limits, log, m)
	targets := service.NewTargetService(data.NewTargetRepo(db), codec, exec, tunnels,
		ratelimit.Gate{}, ratelimit.Gate{}, cfg.Security.MaxPolicy, log, m)

	res, err := targets.CheckTarget(ctx, *owner, *id)
	if err != nil {
		fmt.Printf("Check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(res.Message)
	if !res.Success {
		os.Exit(2)
	}
}
