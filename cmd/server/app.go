package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/handler"
	"fmc-chatbot-go/internal/middleware"
	"fmc-chatbot-go/internal/pipeline"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/internal/scheduler"
	"fmc-chatbot-go/internal/service"
	"fmc-chatbot-go/pkg/database"
	"fmc-chatbot-go/pkg/es"
	"fmc-chatbot-go/pkg/github"
	"fmc-chatbot-go/pkg/kafka"
	"fmc-chatbot-go/pkg/llm"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/storage"
)

// app 持有所有组件，由 newApp 按依赖顺序组装。
type app struct {
	cfg config.Config

	storage       repository.StorageRepository
	feedbackRepo  repository.FeedbackRepository
	patterns      service.PatternService
	completion    service.CompletionService
	conversations service.ConversationService
	chat          service.ChatService
	hub           *handler.Hub
	sched         *scheduler.Scheduler

	processor  *pipeline.Processor
	localQueue *pipeline.LocalQueue
	producer   *kafka.Producer
	consumed   chan struct{}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: handler.NewHub()}

	// 1. 键值存储
	var store repository.Store
	switch cfg.Storage.Driver {
	case "memory":
		log.Warnf("使用内存存储，重启后数据会丢失")
		store = repository.NewMemoryStore()
	default:
		if err := database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB); err != nil {
			return nil, err
		}
		store = repository.NewRedisStore(database.RDB, "fmc:")
	}
	a.storage = repository.NewStorageRepository(store, cfg.Chat.MaxChatHistory, cfg.Storage.QuotaBytes)

	// 2. 反馈归档表（可选）
	if cfg.Database.MySQL.DSN != "" {
		if err := database.InitMySQL(cfg.Database.MySQL.DSN); err != nil {
			return nil, err
		}
		a.feedbackRepo = repository.NewFeedbackRepository(database.DB)
	}

	// 3. 远程模式库和文本生成服务
	backend, err := github.NewClient(cfg.GitHub, 0)
	if err != nil {
		return nil, fmt.Errorf("初始化 GitHub 客户端失败: %w", err)
	}
	llmClient := llm.NewClient(cfg.LLM)

	a.patterns = service.NewPatternService(backend, a.storage, cfg.Matching)

	// 4. 学习队列：启用 Kafka 时走消息队列，否则使用进程内队列
	a.processor = pipeline.NewProcessor(a.patterns, a.storage)
	var queue service.LearningQueue
	if cfg.Kafka.Enabled {
		a.producer = kafka.NewProducer(cfg.Kafka)
		queue = a.producer
	} else {
		a.localQueue = pipeline.NewLocalQueue(a.processor, 0)
		queue = a.localQueue
	}

	a.completion = service.NewCompletionService(llmClient, a.storage, queue, cfg.Clinic, cfg.Completion)
	a.conversations = service.NewConversationService(a.storage, cfg.Chat.ConversationTimeout)

	opts := []service.ChatOption{
		service.WithLearningQueue(queue),
		service.WithNotifier(a.hub),
	}
	if a.feedbackRepo != nil {
		opts = append(opts, service.WithFeedbackArchive(a.feedbackRepo))
	}

	// 5. 聊天记录检索（可选）
	if cfg.Elasticsearch.Addresses != "" {
		esClient, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, fmt.Errorf("初始化 Elasticsearch 客户端失败: %w", err)
		}
		index := es.NewHistoryIndex(esClient, cfg.Elasticsearch.IndexName)
		if err := index.EnsureIndex(ctx); err != nil {
			log.Warnf("创建聊天记录索引失败，停用检索: %v", err)
		} else {
			opts = append(opts, service.WithHistoryArchiver(index))
		}
	}

	// 6. 数据导出（可选）
	if cfg.MinIO.Endpoint != "" {
		exporter, err := storage.NewExporter(ctx, cfg.MinIO)
		if err != nil {
			log.Warnf("初始化 MinIO 失败，停用对象存储导出: %v", err)
		} else {
			opts = append(opts, service.WithObjectExporter(exporter))
		}
	}

	intents := service.NewIntentService(service.ClinicIntents(cfg.Clinic), cfg.Matching)
	a.chat = service.NewChatService(intents, a.patterns, a.completion, a.conversations, a.storage, cfg.Clinic, cfg.Matching, opts...)
	return a, nil
}

// startLearningConsumer 启动学习任务的消费者，直到 ctx 结束。
func (a *app) startLearningConsumer(ctx context.Context) {
	if a.localQueue != nil {
		a.localQueue.Start(ctx)
		return
	}
	a.consumed = make(chan struct{})
	go func() {
		defer close(a.consumed)
		kafka.StartConsumer(ctx, a.cfg.Kafka, a.processor, database.RDB)
	}()
}

func (a *app) waitLearningConsumer() {
	if a.localQueue != nil {
		a.localQueue.Wait()
	}
	if a.consumed != nil {
		<-a.consumed
	}
}

// maintenanceTasks 是定时执行的维护任务：模式同步和存储清理。
func (a *app) maintenanceTasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: "pattern-sync", Run: a.patterns.Sync},
		{Name: "cleanup", Run: a.chat.Cleanup},
	}
}

// runMaintenance 立即执行一轮维护任务，供管理接口调用。
func (a *app) runMaintenance(ctx context.Context) error {
	return a.sched.RunOnce(ctx)
}

func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if database.RDB != nil {
		_ = database.RDB.Close()
	}
}

// registerRoutes 注册全部路由。
func (a *app) registerRoutes(r *gin.Engine) {
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handler.NewChatHandler(a.chat, a.hub)
	conversationHandler := handler.NewConversationHandler(a.conversations)
	adminHandler := handler.NewAdminHandler(a.patterns, a.storage, a.feedbackRepo, a.runMaintenance)

	// Chat 路由 (WebSocket)
	r.GET("/chat/ws", middleware.SessionMiddleware(), chatHandler.Handle)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.SessionMiddleware())
	{
		chat := apiV1.Group("/chat")
		{
			chat.POST("/messages", chatHandler.SendMessage)
			chat.POST("/feedback", chatHandler.Feedback)
			chat.GET("/history", chatHandler.History)
			chat.DELETE("/history", chatHandler.ClearHistory)
			chat.GET("/export", chatHandler.Export)
			chat.POST("/export/archive", chatHandler.ExportArchive)
			chat.POST("/import", chatHandler.Import)
			chat.GET("/debug", chatHandler.Debug)
		}

		conversation := apiV1.Group("/conversation")
		{
			conversation.GET("", conversationHandler.Current)
			conversation.POST("/reset", conversationHandler.Reset)
		}

		apiV1.GET("/settings", adminHandler.GetSettings)
		apiV1.PUT("/settings", adminHandler.UpdateSettings)

		admin := apiV1.Group("/admin")
		{
			admin.GET("/sessions", conversationHandler.List)
			admin.GET("/history/search", chatHandler.SearchHistory)

			patterns := admin.Group("/patterns")
			{
				patterns.GET("", adminHandler.ListPatterns)
				patterns.POST("/sync", adminHandler.SyncPatterns)
				patterns.POST("/import", adminHandler.ImportPatterns)
				patterns.DELETE("", adminHandler.ClearPatterns)
			}

			admin.GET("/storage", adminHandler.StorageStats)
			admin.POST("/maintenance", adminHandler.RunMaintenance)
			admin.GET("/failed-requests", adminHandler.FailedRequests)
			admin.GET("/analytics", adminHandler.Analytics)
			admin.GET("/feedback", adminHandler.FeedbackStats)
		}
	}
}
