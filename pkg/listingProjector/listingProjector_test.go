package listingProjector

import (
	"math/big"
	"testing"

	"github.com/Layr-Labs/car-trading-go/pkg/persistence/memory"
	"github.com/Layr-Labs/car-trading-go/pkg/tradingManager"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	seller = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	buyer  = common.HexToAddress("0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0")
)

func event(name string, fields map[string]interface{}) tradingManager.DecodedEvent {
	return tradingManager.DecodedEvent{Name: name, Fields: fields}
}

func Test_ListingProjector(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("Lifecycle", func(t *testing.T) {
		store := memory.NewMemoryPersistence(nil)
		lp := NewListingProjector(store, logger)

		require.NoError(t, store.SaveCarSnapshot(&types.CarSnapshot{
			Car:         types.Car{ID: 1, Make: "Toyota", Model: "Corolla"},
			BlockNumber: 5,
			Source:      types.SnapshotSource_Chain,
		}))

		err := lp.Apply(&tradingManager.ConfirmationResult{
			BlockNumber: 10,
			Events: []tradingManager.DecodedEvent{
				event(EventCarListed, map[string]interface{}{"carId": big.NewInt(1), "owner": seller, "price": big.NewInt(500)}),
			},
		})
		require.NoError(t, err)

		snapshot, err := store.LoadCarSnapshot(1)
		require.NoError(t, err)
		assert.Equal(t, "Toyota", snapshot.Make)
		assert.Equal(t, seller.Hex(), snapshot.Owner)
		assert.Equal(t, "500", snapshot.PriceWei)
		assert.True(t, snapshot.ForSale)
		assert.Equal(t, types.SnapshotSource_Event, snapshot.Source)
		assert.Equal(t, uint64(10), snapshot.BlockNumber)

		require.NoError(t, lp.ApplyEvent(11, event(EventCarSold, map[string]interface{}{
			"carId": big.NewInt(1), "seller": seller, "buyer": buyer, "price": big.NewInt(500),
		})))
		snapshot, _ = store.LoadCarSnapshot(1)
		assert.Equal(t, buyer.Hex(), snapshot.Owner)
		assert.False(t, snapshot.ForSale)

		require.NoError(t, lp.ApplyEvent(12, event(EventCarListed, map[string]interface{}{"carId": big.NewInt(1), "owner": buyer, "price": big.NewInt(700)})))
		require.NoError(t, lp.ApplyEvent(13, event(EventCarDelisted, map[string]interface{}{"carId": big.NewInt(1)})))
		snapshot, _ = store.LoadCarSnapshot(1)
		assert.False(t, snapshot.ForSale)
		assert.Equal(t, "700", snapshot.PriceWei)

		require.NoError(t, lp.ApplyEvent(14, event(EventOwnershipTransferred, map[string]interface{}{
			"carId": big.NewInt(1), "previousOwner": buyer, "newOwner": seller,
		})))
		snapshot, _ = store.LoadCarSnapshot(1)
		assert.Equal(t, seller.Hex(), snapshot.Owner)
	})

	t.Run("UnknownCarCreatesSnapshot", func(t *testing.T) {
		store := memory.NewMemoryPersistence(nil)
		lp := NewListingProjector(store, logger)

		require.NoError(t, lp.ApplyEvent(3, event(EventCarListed, map[string]interface{}{"carId": big.NewInt(9), "owner": seller, "price": big.NewInt(1)})))
		snapshot, err := store.LoadCarSnapshot(9)
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		assert.Equal(t, uint64(9), snapshot.ID)
		assert.Empty(t, snapshot.Make)
	})

	t.Run("StaleEventIgnored", func(t *testing.T) {
		store := memory.NewMemoryPersistence(nil)
		lp := NewListingProjector(store, logger)

		require.NoError(t, store.SaveCarSnapshot(&types.CarSnapshot{Car: types.Car{ID: 2, Owner: buyer.Hex()}, BlockNumber: 50}))
		require.NoError(t, lp.ApplyEvent(40, event(EventCarListed, map[string]interface{}{"carId": big.NewInt(2), "owner": seller, "price": big.NewInt(1)})))

		snapshot, _ := store.LoadCarSnapshot(2)
		assert.Equal(t, buyer.Hex(), snapshot.Owner)
		assert.False(t, snapshot.ForSale)
	})

	t.Run("UnknownEventIgnored", func(t *testing.T) {
		store := memory.NewMemoryPersistence(nil)
		lp := NewListingProjector(store, logger)

		require.NoError(t, lp.ApplyEvent(1, event("PriceChanged", map[string]interface{}{"carId": big.NewInt(1)})))
		snapshots, err := store.ListCarSnapshots()
		require.NoError(t, err)
		assert.Empty(t, snapshots)
	})

	t.Run("MalformedFields", func(t *testing.T) {
		store := memory.NewMemoryPersistence(nil)
		lp := NewListingProjector(store, logger)

		assert.Error(t, lp.ApplyEvent(1, event(EventCarDelisted, map[string]interface{}{})))
		assert.Error(t, lp.ApplyEvent(1, event(EventCarDelisted, map[string]interface{}{"carId": "1"})))
		assert.Error(t, lp.ApplyEvent(1, event(EventCarListed, map[string]interface{}{"carId": big.NewInt(1), "owner": "0x01", "price": big.NewInt(1)})))
		assert.NoError(t, lp.Apply(nil))
	})
}
