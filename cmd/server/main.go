// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/scheduler"
	"fmc-chatbot-go/pkg/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fmc-chatbot",
	Short: "FMC clinic chatbot server",
	Long: `FMC clinic chatbot server.

Answers patient questions with keyword intents, learned patterns and a
text-completion provider, and learns from user feedback.

Examples:
  fmc-chatbot --config ./configs/config.yaml
  fmc-chatbot sync --config ./configs/config.yaml`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize learned patterns with the remote store once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		setup()
		defer log.Sync()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := newApp(ctx, config.Conf)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.patterns.Sync(ctx); err != nil {
			return fmt.Errorf("pattern sync failed: %w", err)
		}
		stats := a.patterns.Stats()
		fmt.Printf("synced %d patterns (%d pending)\n", stats.Total, stats.Pending)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 初始化配置和日志记录器。
func setup() {
	config.Init(configPath)
	cfg := config.Conf
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	log.Info("日志记录器初始化成功")
}

func serve() error {
	setup()
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	cfg := config.Conf

	// 后台任务（学习队列消费者等）在 ctx 结束时退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.startLearningConsumer(ctx)

	// 启动时先同步一次模式库，失败时使用本地备份
	if err := a.patterns.Sync(ctx); err != nil {
		log.Warnf("启动时同步模式库失败，使用本地备份: %v", err)
	}
	if err := a.chat.Restore(ctx); err != nil {
		log.Warnf("恢复会话状态失败: %v", err)
	}

	sched, err := scheduler.New(cfg.Chat.MaintenanceSchedule, 5*time.Minute, a.maintenanceTasks()...)
	if err != nil {
		return err
	}
	a.sched = sched
	sched.Start()

	// 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	a.registerRoutes(r)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	sched.Stop(shutdownCtx)

	// 停止消费者，进程内队列会先处理完已入队的学习任务
	cancel()
	a.waitLearningConsumer()

	log.Info("服务已优雅关闭")
	return nil
}
