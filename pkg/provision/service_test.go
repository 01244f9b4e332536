package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/notify"
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

type fakeAudit struct {
	events []*storage.AuditEvent
}

func (f *fakeAudit) LogEvent(event *storage.AuditEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) RecentEvents(limit int) ([]*storage.AuditEvent, error) { return f.events, nil }
func (f *fakeAudit) Close() error                                          { return nil }

type fixture struct {
	service    *Service
	store      *storage.FileStore
	document   *xrayconf.DocumentStore
	reloader   *fakeReloader
	audit      *fakeAudit
	configPath string
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
	audit := &fakeAudit{}
	notifier := notify.NewDispatcher("", "", zap.NewNop())
	service := NewService(store, document, reloader, notifier, audit, "proxy.example.com", zap.NewNop())
	return &fixture{
		service:    service,
		store:      store,
		document:   document,
		reloader:   reloader,
		audit:      audit,
		configPath: configPath,
	}
}

func TestCreate_ProvisionsEverything(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Record.Username)
	assert.NotEmpty(t, result.Record.Secret)
	assert.Equal(t, 1, f.reloader.calls)

	rec, err := f.store.Get(models.ProtocolVmess, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.Record.Secret, rec.Secret)

	limit, hasLimit, err := f.store.LimitBytes(models.ProtocolVmess, "alice")
	require.NoError(t, err)
	assert.True(t, hasLimit)
	assert.Equal(t, 5*models.BytesPerGB, limit)

	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.True(t, present)

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, storage.AuditCreate, f.audit.events[0].Operation)
	assert.Equal(t, storage.AuditStatusSuccess, f.audit.events[0].Status)
}

func TestCreate_ShareLinks(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Create(context.Background(), models.ProtocolVless, "alice", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.Links.TLS, "vless://"+result.Record.Secret+"@proxy.example.com:443"))
	assert.Contains(t, result.Links.TLS, "path=/vless")
	assert.Contains(t, result.Links.NonTLS, ":80")

	vm, err := f.service.Create(context.Background(), models.ProtocolVmess, "bob", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(vm.Links.TLS, "vmess://"))

	tr, err := f.service.Create(context.Background(), models.ProtocolTrojan, "carol", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tr.Links.TLS, "trojan://"+tr.Record.Secret+"@"))
}

func TestCreate_RejectsDuplicateAcrossProtocols(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 1)
	require.NoError(t, err)

	// Same username on another protocol still collides in the document
	_, err = f.service.Create(context.Background(), models.ProtocolVless, "alice", 1)
	assert.True(t, storage.IsConflictError(err))
}

func TestCreate_RejectsInvalidUsername(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "bad name!", 1)
	assert.True(t, storage.IsValidationError(err))
	assert.Equal(t, 0, f.reloader.calls)
}

func TestCreate_RollsBackFilesOnDocumentFailure(t *testing.T) {
	f := newFixture(t)

	// A document without insertion markers makes the insert fail
	require.NoError(t, os.WriteFile(f.configPath, []byte("{\n  \"inbounds\": []\n}\n"), 0644))

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 1)
	require.Error(t, err)
	assert.True(t, xrayconf.IsMarkerNotFoundError(err))

	_, getErr := f.store.Get(models.ProtocolVmess, "alice")
	assert.True(t, storage.IsNotFoundError(getErr))
	assert.Equal(t, 0, f.reloader.calls)
}

func TestCreate_ReloadFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.reloader.err = errors.New("systemctl exploded")

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload failed")
}

func TestDelete_RemovesEverything(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 1)
	require.NoError(t, err)
	f.reloader.calls = 0

	require.NoError(t, f.service.Delete(context.Background(), models.ProtocolVmess, "alice"))
	assert.Equal(t, 1, f.reloader.calls)

	_, err = f.store.Get(models.ProtocolVmess, "alice")
	assert.True(t, storage.IsNotFoundError(err))

	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestDelete_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	err := f.service.Delete(context.Background(), models.ProtocolVmess, "ghost")
	assert.True(t, storage.IsNotFoundError(err))
	assert.Equal(t, 0, f.reloader.calls)
}

func TestIncreaseQuota_NoReload(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVless, "alice", 5)
	require.NoError(t, err)
	f.reloader.calls = 0

	newLimit, err := f.service.IncreaseQuota(context.Background(), models.ProtocolVless, "alice", 3)
	require.NoError(t, err)
	assert.Equal(t, 8*models.BytesPerGB, newLimit)
	assert.Equal(t, 0, f.reloader.calls)
}

func TestIncreaseQuota_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.IncreaseQuota(context.Background(), models.ProtocolVless, "alice", 0)
	assert.True(t, storage.IsValidationError(err))
}

func TestInfo_ReportsQuotaState(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolTrojan, "alice", 2)
	require.NoError(t, err)
	_, err = f.store.AddUsage(models.ProtocolTrojan, "alice", 600000000)
	require.NoError(t, err)

	info, err := f.service.Info(models.ProtocolTrojan, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolTrojan, info.Protocol)
	assert.True(t, info.Quota.HasLimit)
	assert.Equal(t, 2*models.BytesPerGB, info.Quota.LimitBytes)
	assert.Equal(t, int64(600000000), info.Quota.UsageBytes)
	assert.Equal(t, "2 GB", info.QuotaDisplay)
}

func TestInfo_UnlimitedAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 0)
	require.NoError(t, err)

	info, err := f.service.Info(models.ProtocolVmess, "alice")
	require.NoError(t, err)
	assert.False(t, info.Quota.HasLimit)
	assert.Equal(t, "Unlimited", info.QuotaDisplay)
}

func TestEvict_RemovesWithoutReload(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.ProtocolVmess, "alice", 1)
	require.NoError(t, err)
	f.reloader.calls = 0

	err = f.service.Evict(context.Background(), models.ProtocolVmess, "alice", 1100000000, models.BytesPerGB)
	require.NoError(t, err)
	assert.Equal(t, 0, f.reloader.calls)

	_, err = f.store.Get(models.ProtocolVmess, "alice")
	assert.True(t, storage.IsNotFoundError(err))

	present, err := f.document.Contains("alice")
	require.NoError(t, err)
	assert.False(t, present)

	require.NotEmpty(t, f.audit.events)
	last := f.audit.events[len(f.audit.events)-1]
	assert.Equal(t, storage.AuditEvict, last.Operation)
}
