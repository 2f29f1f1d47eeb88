package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/sessionstore"
	"github.com/kilianp07/cpsim/internal/testutil"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	testutil.RequireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	addr, cleanup, err := testutil.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer cleanup()

	st, err := New(ctx, Config{Addr: addr, Prefix: "test:"})
	require.NoError(t, err)
	defer st.Close()

	tx := 7
	in := &model.Session{
		ID:            "s1",
		ChargePointID: "CP1",
		State:         model.StateCharging,
		Connected:     true,
		TransactionID: &tx,
		SoC:           42.5,
	}
	require.NoError(t, st.Save(ctx, in))
	require.NoError(t, st.Save(ctx, &model.Session{ID: "s2", ChargePointID: "CP2", State: model.StateAvailable}))

	out, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CP1", out.ChargePointID)
	require.NotNil(t, out.TransactionID)
	assert.Equal(t, 7, *out.TransactionID)
	assert.Equal(t, 42.5, out.SoC)

	list, err := st.List(ctx, sessionstore.Filter{ConnectedOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	all, err := st.List(ctx, sessionstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.Delete(ctx, "s1"))
	_, err = st.Get(ctx, "s1")
	assert.True(t, errors.Is(err, sessionstore.ErrNotFound))
	assert.True(t, errors.Is(st.Delete(ctx, "s1"), sessionstore.ErrNotFound))
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := New(ctx, Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
