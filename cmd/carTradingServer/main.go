package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Layr-Labs/car-trading-go/internal/aws"
	"github.com/Layr-Labs/car-trading-go/internal/keySource"
	"github.com/Layr-Labs/car-trading-go/internal/keySource/awsKms"
	"github.com/Layr-Labs/car-trading-go/pkg/auth"
	"github.com/Layr-Labs/car-trading-go/pkg/blockHandler"
	"github.com/Layr-Labs/car-trading-go/pkg/config"
	"github.com/Layr-Labs/car-trading-go/pkg/descriptor"
	"github.com/Layr-Labs/car-trading-go/pkg/listingProjector"
	"github.com/Layr-Labs/car-trading-go/pkg/logger"
	"github.com/Layr-Labs/car-trading-go/pkg/marketplace"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence/factory"
	"github.com/Layr-Labs/car-trading-go/pkg/server"
	"github.com/Layr-Labs/car-trading-go/pkg/tradingManager"
	"github.com/Layr-Labs/car-trading-go/pkg/transactionSigner"
	EVMChainPoller "github.com/Layr-Labs/chain-indexer/pkg/chainPollers/evm"
	"github.com/Layr-Labs/chain-indexer/pkg/chainPollers/persistence/memory"
	"github.com/Layr-Labs/chain-indexer/pkg/clients/ethereum"
	chainIndexerConfig "github.com/Layr-Labs/chain-indexer/pkg/config"
	"github.com/Layr-Labs/chain-indexer/pkg/contractStore/inMemoryContractStore"
	"github.com/Layr-Labs/chain-indexer/pkg/transactionLogParser"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultConfigPath = "./config.json"

func main() {
	// .env is optional
	_ = godotenv.Load()

	app := &cli.App{
		Name:      "car-trading-server",
		Usage:     "Car marketplace backed by a ledger contract",
		ArgsUsage: "[config path]",
		Description: `Serves the car marketplace over HTTP. Every trade is signed by the configured
owner account, submitted to the contract named in ethereum.default, and answered once
its receipt has been reconciled.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			newConfigFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP server port (overrides server.port)",
				EnvVars: []string{config.EnvCarTradingPort},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Network to use (overrides ethereum.default.network)",
				EnvVars: []string{config.EnvCarTradingNetwork},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Aliases: []string{"rpc"},
				Usage:   "Ledger RPC endpoint URL for the selected network",
				EnvVars: []string{config.EnvCarTradingRPCURL},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Owner private key (hex) for the selected network",
				EnvVars: []string{config.EnvCarTradingOwnerPrivateKey},
			},
			&cli.StringFlag{
				Name:    "persistence-type",
				Usage:   "Trade journal backend: memory, badger or redis",
				EnvVars: []string{config.EnvCarTradingPersistenceType},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "HS256 secret for bearer auth on trade routes",
				EnvVars: []string{config.EnvCarTradingJWTSecret},
			},
			&cli.BoolFlag{
				Name:    "watch-blocks",
				Usage:   "Resolve timed out trades as new blocks arrive",
				EnvVars: []string{config.EnvCarTradingWatchBlocks},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvCarTradingVerbose},
			},
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Issue a bearer token for the trade routes",
				Flags: []cli.Flag{
					newConfigFlag(),
					&cli.StringFlag{
						Name:     "subject",
						Usage:    "Subject the token is issued to",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
					&cli.StringFlag{
						Name:    "jwt-secret",
						Usage:   "HS256 secret (overrides auth.jwtSecret)",
						EnvVars: []string{config.EnvCarTradingJWTSecret},
					},
				},
				Action: issueToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func newConfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the JSON or YAML configuration file",
		Value:   defaultConfigPath,
		EnvVars: []string{config.EnvCarTradingConfigPath},
	}
}

func configPath(c *cli.Context) string {
	if path := c.Args().First(); path != "" {
		return path
	}
	return c.String("config")
}

// overridesFrom turns flags and environment variables into configuration overrides.
func overridesFrom(c *cli.Context) []config.Override {
	var overrides []config.Override
	if c.IsSet("network") {
		network := c.String("network")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			cfg.Ethereum.Default.Network = network
		})
	}
	if c.IsSet("port") {
		port := c.Int("port")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			cfg.Server.Port = port
		})
	}
	if c.IsSet("rpc-url") {
		url := c.String("rpc-url")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			if network, ok := cfg.Ethereum.Networks[cfg.Ethereum.Default.Network]; ok && network != nil {
				network.Url = url
			}
		})
	}
	if c.IsSet("private-key") {
		key := c.String("private-key")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			if network, ok := cfg.Ethereum.Networks[cfg.Ethereum.Default.Network]; ok && network != nil {
				network.DefaultAccount.PrivateKey = key
				network.DefaultAccount.KMSCiphertext = ""
			}
		})
	}
	if c.IsSet("persistence-type") {
		persistenceType := config.PersistenceType(strings.ToLower(c.String("persistence-type")))
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			cfg.Persistence.Type = persistenceType
		})
	}
	if c.IsSet("jwt-secret") {
		secret := c.String("jwt-secret")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			cfg.Auth.JWTSecret = secret
		})
	}
	if c.IsSet("watch-blocks") {
		watch := c.Bool("watch-blocks")
		overrides = append(overrides, func(cfg *config.ApplicationConfig) {
			cfg.Trading.WatchBlocks = watch
		})
	}
	return overrides
}

func runServer(c *cli.Context) error {
	cfg, err := config.LoadConfiguration(configPath(c), overridesFrom(c)...)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{
		Debug:    cfg.Logging.Debug || c.Bool("verbose"),
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	network, err := cfg.DefaultNetwork()
	if err != nil {
		return err
	}
	chainName, ok := config.ChainIdToName[network.ChainId]
	if !ok {
		chainName = config.ChainName(fmt.Sprintf("chain-%d", network.ChainId))
	}
	l.Sugar().Infow("Using chain", "name", chainName, "chain_id", network.ChainId, "network", cfg.Ethereum.Default.Network)

	descriptorPath := descriptor.DescriptorPath(
		cfg.Ethereum.Deployment.OutputDirectory.Receipt,
		cfg.Ethereum.Default.Contract,
		cfg.Ethereum.Default.Network,
	)
	contract, err := descriptor.ReadDescriptor(descriptorPath)
	if err != nil {
		return fmt.Errorf("failed to load contract descriptor: %w", err)
	}
	l.Sugar().Infow("Loaded contract descriptor", "path", descriptorPath, "address", contract.Address)

	ctx := c.Context
	privateKey, err := resolvePrivateKey(ctx, &network.DefaultAccount, l)
	if err != nil {
		return fmt.Errorf("failed to resolve owner key: %w", err)
	}

	signer, err := transactionSigner.NewTransactionSigner(&transactionSigner.SignerConfig{
		PrivateKey:  privateKey,
		FromAddress: network.DefaultAccount.Address,
		ChainId:     network.ChainId,
	}, l)
	if err != nil {
		return fmt.Errorf("failed to create transaction signer: %w", err)
	}

	ethClient := ethereum.NewEthereumClient(&ethereum.EthereumClientConfig{
		BaseUrl:   network.Url,
		BlockType: ethereum.BlockType_Latest,
	}, l)
	ledgerClient, err := ethClient.GetEthereumContractCaller()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", network.Url, err)
	}

	manager, err := tradingManager.NewTradingManager(&tradingManager.TradingManagerConfig{
		Descriptor:          contract,
		ConfirmationTimeout: cfg.ConfirmationTimeout(network.ChainId),
		GasLimit:            cfg.Trading.GasLimit,
		PipelineGasLimit:    cfg.Trading.PipelineGasLimit,
	}, ledgerClient, signer, l)
	if err != nil {
		return fmt.Errorf("failed to bind trading manager: %w", err)
	}

	store, err := factory.NewTradePersistence(&cfg.Persistence, l)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Errorw("Failed to close persistence", "error", err)
		}
	}()

	mp := marketplace.NewMarketplace(nil, manager, store, listingProjector.NewListingProjector(store, l), l)

	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if authenticator == nil {
		l.Sugar().Warnw("No JWT secret configured, trade routes are unauthenticated")
	}

	srv := server.NewServer(&cfg.Server, mp, authenticator, l)
	if err := srv.Start(); err != nil {
		return err
	}
	l.Sugar().Infof("Listening at http://localhost:%d%s", cfg.Server.Port, cfg.Server.RouterMountPath)
	l.Sugar().Infow("Trading as",
		zap.String("owner", manager.OwnerAddress().Hex()),
		zap.String("contract", manager.ContractAddress().Hex()),
		zap.Duration("confirmationTimeout", cfg.ConfirmationTimeout(network.ChainId)),
	)

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	if cfg.Trading.WatchBlocks {
		bh := blockHandler.NewBlockHandler(l)

		// logs are not parsed, but the poller requires a parser
		cs := inMemoryContractStore.NewInMemoryContractStore(nil, l)
		logParser := transactionLogParser.NewTransactionLogParser(cs, l)
		pollerStore := memory.NewInMemoryChainPollerPersistence()

		poller, err := EVMChainPoller.NewEVMChainPoller(
			ethClient,
			logParser,
			&EVMChainPoller.EVMChainPollerConfig{
				ChainId:         chainIndexerConfig.ChainId(network.ChainId),
				PollingInterval: cfg.Trading.BlockPollingInterval,
			},
			pollerStore, bh, l)
		if err != nil {
			l.Sugar().Warnw("Block watcher disabled", "error", err)
		} else if err := watchBlocks(watchCtx, poller, bh, mp, l); err != nil {
			l.Sugar().Warnw("Block watcher disabled", "error", err)
		} else {
			l.Sugar().Infow("Watching blocks for open trades", zap.Duration("interval", cfg.Trading.BlockPollingInterval))
		}
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	l.Sugar().Infow("Shutting down")
	stopWatching()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		l.Sugar().Errorw("Failed to stop server cleanly", "error", err)
	}
	if pending := manager.PendingTransactions(); len(pending) > 0 {
		l.Sugar().Warnw("Exiting with unconfirmed trades", "count", len(pending))
	}
	return nil
}

type blockPoller interface {
	Start(ctx context.Context) error
}

// watchBlocks resolves trades whose confirmation timed out each time the poller reports a
// new block.
func watchBlocks(
	ctx context.Context,
	poller blockPoller,
	bh *blockHandler.BlockHandler,
	mp *marketplace.Marketplace,
	l *zap.Logger,
) error {
	go bh.ListenToChannel(ctx, func(block *ethereum.EthereumBlock) {
		if _, err := mp.RefreshOpenTrades(ctx); err != nil {
			l.Sugar().Warnw("Failed to refresh open trades",
				zap.Uint64("block", block.Number.Value()),
				zap.Error(err),
			)
		}
	})

	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start EVM chain poller: %w", err)
	}
	return nil
}

func resolvePrivateKey(ctx context.Context, account *config.AccountConfig, l *zap.Logger) (string, error) {
	var source keySource.IKeySource = keySource.NewStaticKeySource(account.PrivateKey)
	if account.UsesKMS() {
		awsCfg, err := aws.LoadAWSConfig(ctx, account.KMSRegion)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS config: %w", err)
		}
		if arn, err := aws.CallerArn(ctx, awsCfg); err == nil {
			l.Sugar().Infow("Using AWS identity", "arn", arn)
		} else {
			l.Sugar().Warnw("Failed to resolve AWS identity", "error", err)
		}
		source = awsKms.NewAWSKMSKeySource(awsCfg, account.KMSCiphertext, account.KMSKeyId, l)
	}
	return source.PrivateKey(ctx)
}

func issueToken(c *cli.Context) error {
	var secret, issuer string
	cfg, err := config.LoadConfiguration(configPath(c))
	switch {
	case err == nil:
		secret, issuer = cfg.Auth.JWTSecret, cfg.Auth.Issuer
	case !c.IsSet("jwt-secret"):
		return fmt.Errorf("configuration error: %w", err)
	}
	if c.IsSet("jwt-secret") {
		secret = c.String("jwt-secret")
	}

	authenticator := auth.NewAuthenticator(secret, issuer)
	if authenticator == nil {
		return fmt.Errorf("no JWT secret configured")
	}
	token, err := authenticator.IssueToken(c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
