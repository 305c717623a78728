package daemon

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/db"
	"github.com/clawup/clawup/internal/provision"
	"github.com/clawup/clawup/internal/shell"
	testutil "github.com/clawup/clawup/internal/testing"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "clawup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// healthySession scripts a host where every provisioning step succeeds.
func healthySession(sess *testutil.FakeSession) *testutil.FakeSession {
	return sess.
		OnExact(shell.HomeProbe(), testutil.OK("/home/ubuntu\n")).
		On("fuser", testutil.OK("clear\n")).
		OnExact(shell.EngineProbe(), testutil.OK("Docker version 27.0.1, build 7fafd33\n")).
		On("docker compose up", testutil.OK("Container openclaw-gateway  Started\n")).
		On("--tail 50", testutil.OK("[gateway] listening on ws://0.0.0.0:18789\n"))
}

// tokenSource yields testutil.TestToken as the generated gateway token.
func tokenSource() io.Reader {
	return bytes.NewReader([]byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	})
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// syncBuffer is a log destination safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type managerHarness struct {
	store     *db.Store
	session   *testutil.FakeSession
	connector *testutil.FakeConnector
	metrics   *Metrics
	logs      *syncBuffer
	manager   *RunManager
}

func newManagerHarness(t *testing.T, sess *testutil.FakeSession, maxConcurrent int) *managerHarness {
	t.Helper()
	h := &managerHarness{
		store:     newTestStore(t),
		session:   sess,
		connector: &testutil.FakeConnector{Session: sess},
		metrics:   NewMetrics(),
		logs:      &syncBuffer{},
	}
	logger := log.New(h.logs, "", 0)
	orch := provision.NewOrchestrator(h.connector, provision.Options{}, logger)
	orch.Sleep = noSleep
	orch.Rand = tokenSource()
	h.manager = NewRunManager(h.store, orch, maxConcurrent, h.metrics, logger)
	h.manager.now = func() time.Time { return testutil.FixedTime }
	return h
}
