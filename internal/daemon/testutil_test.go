package daemon

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/collection"
	"github.com/patternservice/patternd/internal/controller"
	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/models"
	testutil "github.com/patternservice/patternd/internal/testing"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "patternd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// runnerHarness wires a TaskRunner against a MockController that serves
// both the controller API and the collection registry.
type runnerHarness struct {
	store   *db.Store
	mock    *testutil.MockController
	tasks   *TaskManager
	runner  *TaskRunner
	metrics *Metrics
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	store := newTestStore(t)
	mock := testutil.NewMockController()
	srv := mock.NewTestServer(t)
	metrics := NewMetrics()
	client, err := controller.NewClient(controller.Options{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "controller-secret",
		Timeout:  5 * time.Second,
		Observer: metrics,
	})
	require.NoError(t, err)
	fetcher := &collection.Fetcher{
		RegistryURL: srv.URL,
		ScratchDir:  t.TempDir(),
		NewSession:  func() collection.Opener { return client.NewSession() },
		Observer:    metrics,
		Logger:      quietLogger(),
	}
	redactor := NewRedactor(nil)
	redactor.AddValues("controller-secret")
	tasks := NewTaskManager(store, quietLogger()).WithMetrics(metrics).WithRedactor(redactor)
	syncOpts := controller.SyncOptions{
		MaxRetries: 3,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}
	runner := NewTaskRunner(store, tasks, fetcher, client, syncOpts, quietLogger())
	return &runnerHarness{store: store, mock: mock, tasks: tasks, runner: runner, metrics: metrics}
}

func (h *runnerHarness) servePatternCollection(t *testing.T) {
	t.Helper()
	h.mock.ServeCollection(testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.BuildCollectionTarball(t, map[string]string{
		testutil.DefinitionPath(testutil.TestPatternName): testutil.TestDefinition,
	}))
}

func createPattern(t *testing.T, store *db.Store, definition string) models.Pattern {
	t.Helper()
	pattern := testutil.NewTestPattern(testutil.PatternOpts{Definition: definition})
	id, err := store.CreatePattern(context.Background(), pattern)
	require.NoError(t, err)
	if definition != "" {
		require.NoError(t, store.UpdatePatternDefinition(context.Background(), id, []byte(definition),
			"https://hub.example.com/artifacts/mynamespace-mycollection-1.0.0.tar.gz"))
	}
	out, err := store.GetPattern(context.Background(), id)
	require.NoError(t, err)
	return out
}

func createInstance(t *testing.T, store *db.Store, patternID int64, executors string) models.PatternInstance {
	t.Helper()
	inst := testutil.NewTestPatternInstance(testutil.InstanceOpts{PatternID: patternID, Executors: executors})
	id, err := store.CreatePatternInstance(context.Background(), inst)
	require.NoError(t, err)
	out, err := store.GetPatternInstance(context.Background(), id)
	require.NoError(t, err)
	return out
}

func taskDetails(t *testing.T, task models.Task) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(task.Details, &out))
	return out
}

func mustGetTask(t *testing.T, store *db.Store, id int64) models.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// tokenSigner mints RS256 tokens for ControlAuth tests.
type tokenSigner struct {
	key       *rsa.PrivateKey
	publicPEM []byte
}

func newTokenSigner(t *testing.T) *tokenSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return &tokenSigner{
		key:       key,
		publicPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	}
}

func (s *tokenSigner) sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	require.NoError(t, err)
	return token
}

func (s *tokenSigner) valid(t *testing.T, subject string) string {
	t.Helper()
	return s.sign(t, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
}

// recordingSubmitter captures queued task ids.
type recordingSubmitter struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (r *recordingSubmitter) Submit(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingSubmitter) submitted() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}
