package enforcer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/notify"
	"github.com/farelvpn/autoscript/pkg/provision"
	"github.com/farelvpn/autoscript/pkg/stats"
	"github.com/farelvpn/autoscript/pkg/storage"
	"github.com/farelvpn/autoscript/pkg/xrayconf"
)

const testConfig = `{
  "inbounds": [
    {
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "seed-vless", "email": "seed"}
// #vless$
        ]
      }
    },
    {
      "protocol": "vmess",
      "settings": {
        "clients": [
          {"id": "seed-vmess", "alterId": 0, "email": "seed"}
// #vmess$
        ]
      }
    },
    {
      "protocol": "trojan",
      "settings": {
        "clients": [
          {"password": "seed-trojan", "email": "seed"}
#trojan$
        ]
      }
    }
  ]
}
`

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return f.err
}

// statClient serves per-user downlink values and pops them on reset,
// the way the live stats API behaves.
type statClient struct {
	values map[string]int64
}

func (c *statClient) QueryDownlink(ctx context.Context, username string) (int64, error) {
	return c.values[username], nil
}

func (c *statClient) ResetDownlink(ctx context.Context, username string) error {
	c.values[username] = 0
	return nil
}

type fixture struct {
	enforcer *Enforcer
	store    *storage.FileStore
	document *xrayconf.DocumentStore
	service  *provision.Service
	reloader *fakeReloader
	client   *statClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := storage.NewFileStore(
		filepath.Join(base, "database"),
		filepath.Join(base, "limit"),
		filepath.Join(base, "usage"),
		zap.NewNop(),
	)
	require.NoError(t, err)

	configPath := filepath.Join(base, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))
	document := xrayconf.NewDocumentStore(configPath, zap.NewNop())

	reloader := &fakeReloader{}
	client := &statClient{values: map[string]int64{}}
	notifier := notify.NewDispatcher("", "", zap.NewNop())
	service := provision.NewService(store, document, reloader, notifier, nil, "proxy.example.com", zap.NewNop())
	sampler := stats.NewSampler(store, client, zap.NewNop())
	enf := New(store, document, sampler, service, reloader, nil, 2*time.Second, zap.NewNop())

	return &fixture{
		enforcer: enf,
		store:    store,
		document: document,
		service:  service,
		reloader: reloader,
		client:   client,
	}
}

func (f *fixture) create(t *testing.T, proto models.Protocol, username string, quotaGB int64) {
	t.Helper()
	_, err := f.service.Create(context.Background(), proto, username, quotaGB)
	require.NoError(t, err)
	f.reloader.calls = 0
}

func TestRunPass_AccumulatesBelowLimit(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProtocolVmess, "alice", 1)

	f.client.values["alice"] = 600000000
	require.NoError(t, f.enforcer.RunPass(context.Background()))

	usage, _, err := f.store.UsageBytes(models.ProtocolVmess, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(600000000), usage)
	assert.Equal(t, 0, f.reloader.calls)

	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestRunPass_EvictsOnCrossingLimit(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProtocolVmess, "alice", 1)

	f.client.values["alice"] = 600000000
	require.NoError(t, f.enforcer.RunPass(context.Background()))

	f.client.values["alice"] = 500000000
	require.NoError(t, f.enforcer.RunPass(context.Background()))

	// 1.1 GB folded against a 1 GiB limit: one eviction, one reload
	assert.Equal(t, 1, f.reloader.calls)
	_, err := f.store.Get(models.ProtocolVmess, "alice")
	assert.True(t, storage.IsNotFoundError(err))
	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.False(t, present)

	// The account leaves no trace for later passes
	require.NoError(t, f.enforcer.RunPass(context.Background()))
	assert.Equal(t, 1, f.reloader.calls)
}

func TestRunPass_UnlimitedAccountNeverEvicted(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProtocolVless, "alice", 0)

	f.client.values["alice"] = 50 * models.BytesPerGB
	require.NoError(t, f.enforcer.RunPass(context.Background()))

	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 0, f.reloader.calls)

	// No limit file means no sampling either
	_, ok, err := f.store.UsageBytes(models.ProtocolVless, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunPass_SingleReloadForMultipleEvictions(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProtocolVmess, "alice", 1)
	f.create(t, models.ProtocolTrojan, "bob", 1)

	f.client.values["alice"] = 2 * models.BytesPerGB
	f.client.values["bob"] = 2 * models.BytesPerGB
	require.NoError(t, f.enforcer.RunPass(context.Background()))

	assert.Equal(t, 1, f.reloader.calls)
	_, err := f.store.Get(models.ProtocolVmess, "alice")
	assert.True(t, storage.IsNotFoundError(err))
	_, err = f.store.Get(models.ProtocolTrojan, "bob")
	assert.True(t, storage.IsNotFoundError(err))
}

func TestRunPass_RetriesReloadNextPass(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProtocolVmess, "alice", 1)

	f.client.values["alice"] = 2 * models.BytesPerGB
	f.reloader.err = errors.New("restart failed")
	err := f.enforcer.RunPass(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.reloader.calls)

	// Next pass has no evictions but still retries the reload
	f.reloader.err = nil
	require.NoError(t, f.enforcer.RunPass(context.Background()))
	assert.Equal(t, 2, f.reloader.calls)

	// Once it succeeds the retry flag clears
	require.NoError(t, f.enforcer.RunPass(context.Background()))
	assert.Equal(t, 2, f.reloader.calls)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.enforcer.interval = 10 * time.Millisecond
	f.enforcer.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	f.enforcer.Wait()
}
