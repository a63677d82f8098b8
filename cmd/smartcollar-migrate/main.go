// smartcollar-migrate 建表并可选地绑定项圈
//
//	smartcollar-migrate C-001=dog-1 C-002=dog-2
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Hrithick25/smartcollar/common/database"
	"github.com/Hrithick25/smartcollar/common/logger"
	"github.com/Hrithick25/smartcollar/internal/config"
	"github.com/Hrithick25/smartcollar/internal/repository"
)

func main() {
	// 加载配置（与服务共用 DB_* 环境变量）
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "smartcollar-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	bindings, err := parseBindings(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	// 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := repository.EnsureSchema(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ heart_rate_events / collars tables ready")

	collars := repository.NewCollarRepository(db, log)
	for _, b := range bindings {
		if _, err := collars.Bind(ctx, b[0], b[1]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ collar %s -> dog %s\n", b[0], b[1])
	}
}

// parseBindings 解析 "device_id=dog_id" 参数
func parseBindings(args []string) ([][2]string, error) {
	out := make([][2]string, 0, len(args))
	for _, arg := range args {
		deviceID, dogID, ok := strings.Cut(arg, "=")
		deviceID, dogID = strings.TrimSpace(deviceID), strings.TrimSpace(dogID)
		if !ok || deviceID == "" || dogID == "" {
			return nil, fmt.Errorf("invalid binding %q, expected device_id=dog_id", arg)
		}
		out = append(out, [2]string{deviceID, dogID})
	}
	return out, nil
}
