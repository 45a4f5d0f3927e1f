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

	"github.com/0rca-network/0rca-chat-sub000/internal/api"
	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	"github.com/0rca-network/0rca-chat-sub000/internal/config"
	"github.com/0rca-network/0rca-chat-sub000/internal/journal"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm/gemini"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm/mistral"
	"github.com/0rca-network/0rca-chat-sub000/internal/notify"
	"github.com/0rca-network/0rca-chat-sub000/internal/observability/metrics"
	"github.com/0rca-network/0rca-chat-sub000/internal/orchestrator"
	"github.com/0rca-network/0rca-chat-sub000/internal/vault"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// main 是 orcad 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orcad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orca.json")
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
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := createCatalogStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Warn("关闭智能体目录失败", "error", err)
		}
	}()

	vaultClient, err := createVaultClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer vaultClient.Close()

	paymentJournal, err := createJournal(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := paymentJournal.Close(); err != nil {
			logger.L().Warn("关闭支付流水失败", "error", err)
		}
	}()

	notifier, err := createNotifier(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.L().Warn("关闭通知通道失败", "error", err)
		}
	}()

	dispatcher, err := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		Vault:        vaultClient,
		LLM:          llmClient,
		PersonaModel: cfg.LLM.Mistral.Model,
		Journal:      paymentJournal,
		Notifier:     notifier,
		BaseDomain:   cfg.Dispatch.BaseDomain,
		UnitPrice:    cfg.Vault.UnitPrice,
		Timeout:      cfg.Dispatch.Timeout(),
	})
	if err != nil {
		return err
	}

	selector, err := orchestrator.NewSelector(llmClient, cfg.LLM.Mistral.SelectionModel)
	if err != nil {
		return err
	}

	swarm, err := orchestrator.NewSwarm(llmClient, cfg.LLM.Mistral.Model)
	if err != nil {
		return err
	}

	engine, err := orchestrator.New(store, selector, swarm, dispatcher)
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, engine, store, vaultClient, paymentJournal)

	logger.L().Info("orcad 启动", "address", cfg.Server.Address,
		"payer", vaultClient.PayerAddress())

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "mistral":
		apiKey := config.ResolveKey(cfg.LLM.Mistral.APIKey, cfg.LLM.Mistral.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("Mistral provider 需要配置 api_key 或 api_key_env")
		}
		return mistral.NewClient(mistral.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.Mistral.BaseURL,
			Model:   cfg.LLM.Mistral.Model,
			Timeout: cfg.LLM.Mistral.Timeout(),
		})
	case "gemini":
		apiKey := config.ResolveKey(cfg.LLM.Gemini.APIKey, cfg.LLM.Gemini.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("Gemini provider 需要配置 api_key 或 api_key_env")
		}
		return gemini.NewClient(ctx, gemini.Config{
			APIKey: apiKey,
			Model:  cfg.LLM.Gemini.Model,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createCatalogStore(ctx context.Context, cfg *config.Config) (catalog.Store, error) {
	switch cfg.Catalog.Driver {
	case "", "memory":
		var seed []catalog.Agent
		if cfg.Catalog.Seed != "" {
			agents, err := catalog.LoadSeedFile(cfg.Catalog.Seed)
			if err != nil {
				return nil, err
			}
			seed = agents
		}
		return catalog.NewMemoryStore(seed...), nil
	case "mysql":
		return catalog.NewMySQLStore(ctx, catalog.MySQLConfig{
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		})
	default:
		return nil, fmt.Errorf("未知的目录驱动: %s", cfg.Catalog.Driver)
	}
}

func createVaultClient(ctx context.Context, cfg *config.Config) (*vault.Client, error) {
	chains, err := vault.LoadChainDefinitions(cfg.Vault.ChainConfig)
	if err != nil {
		return nil, err
	}
	chain, err := chains.Resolve(cfg.Vault.DefaultChain)
	if err != nil {
		return nil, err
	}

	key := config.ResolveKey("", cfg.Vault.KeyEnv)
	if key == "" {
		return nil, fmt.Errorf("缺少编排私钥，请设置环境变量 %s", cfg.Vault.KeyEnv)
	}

	return vault.NewClient(ctx, vault.Config{
		RPCURL:         chain.RPCURL,
		VaultAddress:   cfg.Vault.VaultAddress,
		TokenAddress:   cfg.Vault.TokenAddress,
		PrivateKeyHex:  key,
		ConfirmTimeout: cfg.Vault.ConfirmTimeout(),
	})
}

func createJournal(cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Driver {
	case "", "memory":
		return journal.NewMemory(), nil
	case "redis":
		return journal.NewRedis(journal.RedisConfig{
			Address:  cfg.Journal.Address,
			Password: cfg.Journal.Password,
			DB:       cfg.Journal.DB,
			Key:      cfg.Journal.Key,
		})
	default:
		return nil, fmt.Errorf("未知的流水驱动: %s", cfg.Journal.Driver)
	}
}

func createNotifier(cfg *config.Config) (notify.Publisher, error) {
	switch cfg.Notify.Driver {
	case "", "none":
		return notify.Nop{}, nil
	case "rabbitmq":
		return notify.NewRabbitMQ(notify.RabbitMQConfig{
			URL:        cfg.Notify.URL,
			Queue:      cfg.Notify.Queue,
			Durable:    cfg.Notify.Durable,
			AutoDelete: cfg.Notify.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}
