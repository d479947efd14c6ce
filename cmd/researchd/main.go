package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"CrewResearch/internal/agent"
	"CrewResearch/internal/api"
	"CrewResearch/internal/config"
	"CrewResearch/internal/crew"
	"CrewResearch/internal/knowledge"
	"CrewResearch/internal/observability/alerting"
	"CrewResearch/internal/storage/mysql"
	"CrewResearch/internal/task"
	"CrewResearch/pkg/logger"
)

// main 是研究服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("researchd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RESEARCHD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "researchd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 报告归档仓库。
	var reportRepo mysql.ReportRepository
	switch cfg.Storage.ReportStore.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryReportRepository(dataDir)
		if err != nil {
			return err
		}
		reportRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLReportRepository(ctx, mysql.Config{
			DSN: cfg.Storage.ReportStore.DSN,
		})
		if err != nil {
			return err
		}
		reportRepo = repo
	default:
		return fmt.Errorf("未知的报告存储驱动: %s", cfg.Storage.ReportStore.Driver)
	}
	if closer, ok := reportRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 任务状态存储。
	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	// 任务队列。
	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				log.Printf("关闭任务队列失败: %v", err)
			}
		}
	}()

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	profile, err := agent.LoadProfile(cfg.Agent.ProfilePath)
	if err != nil {
		return err
	}

	runner := crew.NewRunner(cfg, profile,
		crew.WithKnowledge(knowledgeProvider),
		crew.WithReportRepository(reportRepo),
	)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.TaskQueue.Worker),
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		sender, err := alerting.NewSlackWebhookSender(cfg.Alerting.SlackWebhookURL)
		if err != nil {
			return err
		}
		dispatcher := alerting.NewFanout(&alerting.SlackNotifier{
			Sender:    sender,
			ChannelID: cfg.Alerting.SlackChannel,
		})
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)
	processor := task.NewProcessor(runner, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg, taskService)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
