package listingProjector

import (
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/tradingManager"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	EventCarListed            = "CarListed"
	EventCarSold              = "CarSold"
	EventOwnershipTransferred = "OwnershipTransferred"
	EventCarDelisted          = "CarDelisted"
)

// ListingProjector folds decoded contract events into car snapshots.
type ListingProjector struct {
	store  persistence.ITradePersistence
	logger *zap.Logger
	now    func() time.Time
}

func NewListingProjector(store persistence.ITradePersistence, logger *zap.Logger) *ListingProjector {
	return &ListingProjector{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Apply projects every event of a confirmed trade, in log order.
func (lp *ListingProjector) Apply(result *tradingManager.ConfirmationResult) error {
	if result == nil {
		return nil
	}
	for _, event := range result.Events {
		if err := lp.ApplyEvent(result.BlockNumber, event); err != nil {
			return fmt.Errorf("failed to project %s from %s: %w", event.Name, result.TransactionHash.Hex(), err)
		}
	}
	return nil
}

// ApplyEvent updates the snapshot of the car an event refers to. Events older than the
// stored snapshot are ignored, as are events this projector does not know.
func (lp *ListingProjector) ApplyEvent(blockNumber uint64, event tradingManager.DecodedEvent) error {
	switch event.Name {
	case EventCarListed, EventCarSold, EventOwnershipTransferred, EventCarDelisted:
	default:
		lp.logger.Sugar().Debugw("Ignoring event", "name", event.Name)
		return nil
	}

	carID, err := uintField(event.Fields, "carId")
	if err != nil {
		return err
	}

	snapshot, err := lp.store.LoadCarSnapshot(carID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot for car %d: %w", carID, err)
	}
	if snapshot == nil {
		snapshot = &types.CarSnapshot{Car: types.Car{ID: carID, PriceWei: "0"}}
	} else if snapshot.BlockNumber > blockNumber {
		lp.logger.Sugar().Debugw("Ignoring stale event",
			"name", event.Name,
			"carId", carID,
			"eventBlock", blockNumber,
			"snapshotBlock", snapshot.BlockNumber,
		)
		return nil
	}

	switch event.Name {
	case EventCarListed:
		owner, err := addressField(event.Fields, "owner")
		if err != nil {
			return err
		}
		price, err := bigField(event.Fields, "price")
		if err != nil {
			return err
		}
		snapshot.Owner = owner.Hex()
		snapshot.PriceWei = price.String()
		snapshot.ForSale = true
	case EventCarSold:
		buyer, err := addressField(event.Fields, "buyer")
		if err != nil {
			return err
		}
		price, err := bigField(event.Fields, "price")
		if err != nil {
			return err
		}
		snapshot.Owner = buyer.Hex()
		snapshot.PriceWei = price.String()
		snapshot.ForSale = false
	case EventOwnershipTransferred:
		newOwner, err := addressField(event.Fields, "newOwner")
		if err != nil {
			return err
		}
		snapshot.Owner = newOwner.Hex()
		snapshot.ForSale = false
	case EventCarDelisted:
		snapshot.ForSale = false
	}

	snapshot.BlockNumber = blockNumber
	snapshot.Source = types.SnapshotSource_Event
	snapshot.UpdatedAt = lp.now()

	if err := lp.store.SaveCarSnapshot(snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot for car %d: %w", carID, err)
	}

	lp.logger.Sugar().Debugw("Projected event",
		"name", event.Name,
		"carId", carID,
		"owner", snapshot.Owner,
		"forSale", snapshot.ForSale,
	)
	return nil
}

func bigField(fields map[string]interface{}, name string) (*big.Int, error) {
	v, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("event is missing field %s", name)
	}
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return nil, fmt.Errorf("field %s has type %T, expected *big.Int", name, v)
	}
	return b, nil
}

func uintField(fields map[string]interface{}, name string) (uint64, error) {
	b, err := bigField(fields, name)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("field %s value %s does not fit in uint64", name, b.String())
	}
	return b.Uint64(), nil
}

func addressField(fields map[string]interface{}, name string) (common.Address, error) {
	v, ok := fields[name]
	if !ok {
		return common.Address{}, fmt.Errorf("event is missing field %s", name)
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("field %s has type %T, expected address", name, v)
	}
	return a, nil
}
