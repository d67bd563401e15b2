package testhelpers

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/service"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/storage"

	skiphttp "github.com/kjstillabower/skipchain/internal/http"
)

// LocalTest runs n conodes in process, each on its own httptest server with
// an in-memory store.
type LocalTest struct {
	Keys     []*cosi.KeyPair
	Roster   *roster.Roster
	Services []*service.Service
	Servers  []*httptest.Server

	mu      sync.Mutex
	stopped []bool
}

// NewLocalTest starts n conodes. They are closed by t.Cleanup.
func NewLocalTest(t testing.TB, n int) *LocalTest {
	t.Helper()
	keys, _ := NewKeys(t, n)
	lt := &LocalTest{
		Keys:     keys,
		Services: make([]*service.Service, n),
		Servers:  make([]*httptest.Server, n),
		stopped:  make([]bool, n),
	}
	list := make([]*roster.ServerIdentity, n)
	for i := range lt.Servers {
		srv := httptest.NewUnstartedServer(nil)
		lt.Servers[i] = srv
		list[i] = roster.NewServerIdentity(keys[i].Public, srv.Listener.Addr().String())
	}
	lt.Roster = roster.NewRoster(list)

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	for i, srv := range lt.Servers {
		db, err := storage.OpenMemory()
		if err != nil {
			t.Fatalf("OpenMemory: %v", err)
		}
		svc, err := service.New(service.Config{
			Identity:      list[i],
			Keys:          keys[i],
			DB:            db,
			Logger:        logger,
			SocketOptions: []network.Option{network.WithTimeout(5 * time.Second)},
		})
		if err != nil {
			t.Fatalf("service.New: %v", err)
		}
		lt.Services[i] = svc
		handler := skiphttp.NewHandler(svc, list[i].Address, nil, logger)
		srv.Config.Handler = skiphttp.NewRouter(handler, logger, skiphttp.RouterConfig{})
		srv.Start()
	}
	t.Cleanup(lt.Close)
	return lt
}

// Sub returns the roster of the conodes at idx, in that order.
func (lt *LocalTest) Sub(idx ...int) *roster.Roster {
	list := make([]*roster.ServerIdentity, len(idx))
	for i, j := range idx {
		list[i] = lt.Roster.List[j]
	}
	return roster.NewRoster(list)
}

// Genesis returns a genesis proposal for r.
func Genesis(r *roster.Roster, base, maxHeight int, data string) *skipchain.SkipBlock {
	sb := skipchain.NewSkipBlock()
	sb.Roster = r
	sb.BaseHeight = base
	sb.MaximumHeight = maxHeight
	sb.Data = []byte(data)
	return sb
}

// Stop shuts conode i down; its address refuses connections afterwards.
func (lt *LocalTest) Stop(i int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.stopped[i] {
		return
	}
	lt.stopped[i] = true
	lt.Servers[i].CloseClientConnections()
	lt.Servers[i].Close()
}

// Close stops every conode and closes the stores.
func (lt *LocalTest) Close() {
	for i := range lt.Servers {
		lt.Stop(i)
	}
	for _, svc := range lt.Services {
		if svc != nil {
			_ = svc.DB().Close()
		}
	}
}
