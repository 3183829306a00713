//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/order-lifecycle/internal/domain/campaign"
	"github.com/xenking/order-lifecycle/internal/domain/checkout"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type countingCampaigns struct {
	calls int
	list  []campaign.Campaign
}

func (c *countingCampaigns) ListActive(context.Context, time.Time) ([]campaign.Campaign, error) {
	c.calls++
	return c.list, nil
}

func (c *countingCampaigns) IncrementOrders(context.Context, string) error { return nil }

func TestRedisCampaignsAndCarts(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	inner := &countingCampaigns{list: []campaign.Campaign{
		{ID: "c1", IsActive: true, StartDate: now.Add(-time.Hour), AppliesTo: campaign.ScopeAll},
	}}
	cached := NewCampaigns(inner, client, time.Minute)

	for range 3 {
		got, err := cached.ListActive(ctx, now)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, 1, inner.calls)

	require.NoError(t, cached.Invalidate(ctx))
	_, err := cached.ListActive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	carts := NewCarts(client, time.Hour)
	lines := []checkout.CartLine{{ProductID: "lamp", Quantity: 3}}
	require.NoError(t, carts.Put(ctx, "cust-9", lines))
	got, err := carts.Get(ctx, "cust-9")
	require.NoError(t, err)
	assert.Equal(t, lines, got)

	require.NoError(t, carts.Clear(ctx, "cust-9"))
	got, err = carts.Get(ctx, "cust-9")
	require.NoError(t, err)
	assert.Empty(t, got)
}
