package app

import (
	"context"
	"fmt"
	"log"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/db"
	"go-autopilot/internal/handlers"
	"go-autopilot/internal/services"
)

// ServiceContainer wires clients, services and handlers in dependency
// order and owns their lifecycle.
type ServiceContainer struct {
	NATS        *clients.NATSClient
	Hyperliquid *clients.HyperliquidClient
	evmClients  map[string]*clients.EvmClient

	Admission *services.AdmissionService
	Worker    *services.WorkerService

	TxHandler  *handlers.TransactionHandler
	KeyHandler *handlers.SessionKeyHandler
}

// NewServiceContainer builds the full service graph from the loaded
// configuration. Chains that fail to dial are fatal: a half-wired executor
// set silently strands jobs.
func NewServiceContainer() (*ServiceContainer, error) {
	cfg := config.AppConfig

	natsClient, err := clients.NewNATSClient(&cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS: %w", err)
	}

	quoteClient := clients.NewQuoteClient(&cfg.Quote)
	portfolioClient := clients.NewPortfolioClient(&cfg.Portfolio)
	signerClient := clients.NewSignerClient(&cfg.Signer)
	hlClient := clients.NewHyperliquidClient(&cfg.Hyperliquid)

	evmClients := make(map[string]*clients.EvmClient)
	solanaClients := make(map[string]*clients.SolanaClient)
	bundlers := make(map[string]*clients.BundlerClient)
	for name, chainCfg := range cfg.Chains {
		if !chainCfg.Enabled {
			continue
		}
		switch chainCfg.Type {
		case "evm":
			evmClient, err := clients.NewEvmClient(name, &chainCfg)
			if err != nil {
				natsClient.Close()
				return nil, fmt.Errorf("failed to initialize chain %s: %w", name, err)
			}
			evmClients[name] = evmClient
			if chainCfg.BundlerURL != "" {
				bundlers[name] = clients.NewBundlerClient(chainCfg.BundlerURL, chainCfg.PaymasterURL, chainCfg.EntryPoint)
			}
		case "solana":
			if len(chainCfg.RPCURLs) == 0 {
				natsClient.Close()
				return nil, fmt.Errorf("chain %s has no RPC endpoints configured", name)
			}
			solanaClients[name] = clients.NewSolanaClient(chainCfg.RPCURLs[0])
		default:
			log.Printf("[Container] Skipping chain %s with unknown type %q", name, chainCfg.Type)
		}
	}

	policy := services.NewPolicyService(db.DB)
	quotes := services.NewQuoteService(quoteClient, &cfg.Quote)
	wallets := services.NewWalletService(db.DB)
	sessionKeys := services.NewSessionKeyService(db.DB)

	risk := services.NewRiskService(&cfg.Risk,
		&portfolioValueReader{client: portfolioClient},
		services.NewGormTradeHistory(db.DB))

	hyperliquid := services.NewHyperliquidService(&cfg.Hyperliquid, &cfg.Risk, hlClient, signerClient, risk, db.DB)

	dispatch := services.NewDispatchService(policy, quotes, wallets, hyperliquid, signerClient, evmClients, solanaClients, bundlers)

	admission := services.NewAdmissionService(db.DB, &cfg.Admission, policy, quotes, portfolioClient, natsClient)
	worker := services.NewWorkerService(&cfg.NATS, natsClient, dispatch, services.NewGormStrategyReader(db.DB), db.DB)

	log.Printf("[Container] Wired %d EVM chain(s), %d Solana chain(s), %d bundler(s)",
		len(evmClients), len(solanaClients), len(bundlers))

	return &ServiceContainer{
		NATS:        natsClient,
		Hyperliquid: hlClient,
		evmClients:  evmClients,
		Admission:   admission,
		Worker:      worker,
		TxHandler:   handlers.NewTransactionHandler(admission, hyperliquid, db.DB),
		KeyHandler:  handlers.NewSessionKeyHandler(sessionKeys),
	}, nil
}

// Start launches the background workers.
func (c *ServiceContainer) Start(ctx context.Context) error {
	return c.Worker.Start(ctx)
}

// Stop shuts everything down in reverse dependency order.
func (c *ServiceContainer) Stop() {
	c.Worker.Stop()
	c.Hyperliquid.Close()
	for _, evmClient := range c.evmClients {
		evmClient.Close()
	}
	c.NATS.Close()
}

// portfolioValueReader adapts the portfolio client to the risk manager's
// read interface.
type portfolioValueReader struct {
	client *clients.PortfolioClient
}

func (r *portfolioValueReader) TotalValueUSD(ctx context.Context, userAddress string) (float64, error) {
	_, totalUSD, err := r.client.GetBalances(ctx, userAddress, "")
	return totalUSD, err
}
