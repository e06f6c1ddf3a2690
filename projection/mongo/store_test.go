package mongo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection/mongo"
)

var (
	testClient     *mongodriver.Client
	testContainer  testcontainers.Container
	skipMongoTests bool
)

func setupMongoDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func newStore(t *testing.T) *mongo.Store {
	t.Helper()
	if testClient == nil && !skipMongoTests {
		setupMongoDB(t)
	}
	if skipMongoTests {
		t.Skip("docker not available, skipping Mongo projection test")
	}
	store, err := mongo.NewStore(context.Background(), mongo.Options{
		Client:   testClient,
		Database: "director_test_" + t.Name(),
	})
	require.NoError(t, err)
	return store
}

func TestMongoStoreAppliesWorkItemAndRunLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created := eventlog.NewEvent("u1", eventlog.SourceAgent, "work_item.created", map[string]any{
		"work_item_id": "wi-1",
		"description":  "add retry to fetcher",
	})
	require.NoError(t, store.Apply(ctx, created))

	started := eventlog.NewEvent("u1", eventlog.SourceSystem, "run.start", map[string]any{
		"run_id":       "run-1",
		"work_item_id": "wi-1",
		"mood":         "CALM",
	})
	require.NoError(t, store.Apply(ctx, started))

	committed := eventlog.NewEvent("u1", eventlog.SourceSystem, "receipt.commit", map[string]any{
		"run_id":           "run-1",
		"verifier_plan_id": "plan-1",
	})
	require.NoError(t, store.Apply(ctx, committed))

	wi, err := store.GetWorkItem(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, "done", string(wi.Status))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "committed", string(run.Status))
	require.Equal(t, "plan-1", run.VerifierPlanID)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, committed.Seq, cursor)
}

func TestMongoStoreAttestationPromotesAtom(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	attested := eventlog.NewEvent("u1", eventlog.SourceSystem, "receipt.verifier", map[string]any{
		"attestation_id":   "att-1",
		"target_atom_hash": "sha256:abc",
		"atom_kind":        "claim",
		"result":           "pass",
	})
	require.NoError(t, store.Apply(ctx, attested))

	atom, err := store.GetAtom(ctx, "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "PROMOTED", string(atom.State))

	attestations, err := store.ListAttestations(ctx, "sha256:abc")
	require.NoError(t, err)
	require.Len(t, attestations, 1)
}
