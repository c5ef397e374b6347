package app

import (
	"context"
	"os"
	"testing"

	"commission-engine/config"
	"commission-engine/internal/service"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Database.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.Kafka.Enabled = false
	return cfg
}

func TestNewWiresMemoryEngine(t *testing.T) {
	ctx := context.Background()
	engine, err := New(ctx, memoryConfig())
	require.NoError(t, err)
	defer engine.Close()

	assert.IsType(t, &store.MemoryStore{}, engine.Ledger)
	assert.Nil(t, engine.Redis)
	assert.Nil(t, engine.Producer)
	require.NoError(t, engine.Ledger.Ping(ctx))

	_, err = engine.Approvals.SyncReseller(ctx, "r-1", "acct-1")
	require.NoError(t, err)
	payment, _, err := engine.Approvals.CapturePayment(ctx, &service.CapturePaymentRequest{
		PaymentID:  "pay-1",
		ResellerID: "r-1",
		ProductID:  "prod-1",
		Amount:     decimal.NewFromInt(200),
		Currency:   "USD",
	})
	require.NoError(t, err)

	res, err := engine.Approvals.ApprovePayment(ctx, payment.ID, "admin", "")
	require.NoError(t, err)
	require.NotNil(t, res.Commission)

	balance, err := engine.Approvals.GetBalance(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(20)), "balance %s", balance.Balance)
}

func TestNewFailsWithoutDatabase(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database.Driver = "postgres"
	cfg.Database.URL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
