package blockHandler

import (
	"context"

	chainPoller "github.com/Layr-Labs/chain-indexer/pkg/chainPollers"
	"github.com/Layr-Labs/chain-indexer/pkg/clients/ethereum"
	"go.uber.org/zap"
)

const blockChannelCapacity = 100

type IBlockHandler interface {
	chainPoller.IBlockHandler
	ListenToChannel(ctx context.Context, handleFunc func(*ethereum.EthereumBlock))
}

// BlockHandler receives new blocks from the chain poller and hands them to a single
// listener. Each block is a chance to resolve trades whose confirmation timed out.
type BlockHandler struct {
	BlockChannel chan *ethereum.EthereumBlock
	logger       *zap.Logger
}

func NewBlockHandler(
	logger *zap.Logger,
) *BlockHandler {
	return &BlockHandler{
		BlockChannel: make(chan *ethereum.EthereumBlock, blockChannelCapacity),
		logger:       logger,
	}
}

func (h *BlockHandler) ListenToChannel(ctx context.Context, handleFunc func(*ethereum.EthereumBlock)) {
	for {
		select {
		case block := <-h.BlockChannel:
			h.logger.Sugar().Debugf("BlockHandler received block %d from channel", block.Number.Value())
			handleFunc(block)
		case <-ctx.Done():
			h.logger.Sugar().Info("BlockHandler channel listener exiting due to context done")
			return
		}
	}
}

// HandleBlock never blocks the poller. When the listener falls behind, blocks are dropped;
// the next one delivered triggers the same reconciliation.
func (h *BlockHandler) HandleBlock(ctx context.Context, block *ethereum.EthereumBlock) error {
	select {
	case h.BlockChannel <- block:
		h.logger.Sugar().Debugf("Block %d sent to channel", block.Number.Value())
	case <-ctx.Done():
		h.logger.Sugar().Warnf("Context done before sending block %d to channel", block.Number.Value())
	default:
		h.logger.Sugar().Debugf("Block channel is full, dropping block %d", block.Number.Value())
	}
	return nil
}

// HandleLog is a no-op; trade outcomes are read from receipts.
func (h *BlockHandler) HandleLog(ctx context.Context, logWithBlock *chainPoller.LogWithBlock) error {
	return nil
}

// HandleReorgBlock is a no-op. Trades are final once their receipt is seen, so a trade
// confirmed in a reorged block is not re-checked.
func (h *BlockHandler) HandleReorgBlock(ctx context.Context, blockNumber uint64) {
}
