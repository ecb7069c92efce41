//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/adapter/sqlite"
	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/inference"
	"github.com/couchcryptid/fire-risk-service/internal/interp"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/couchcryptid/fire-risk-service/internal/training"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

var issuedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("fire-risk-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cconn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// fixture is a synthetic archive with a model whose parameters went through
// the sqlite store, the same path the service takes at startup.
type fixture struct {
	archive *archive.Memory
	service *inference.Service
	params  *model.Parameters
	times   []time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	domain.SetClock(clockwork.NewFakeClockAt(issuedAt))
	t.Cleanup(func() { domain.SetClock(nil) })

	catalog := domain.DefaultCatalog()
	sc := archive.DefaultSyntheticConfig(catalog)
	sc.Samples = 3
	mem, err := archive.Synthetic(sc)
	require.NoError(t, err)

	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()
	engine, err := interp.NewEngine(interp.DefaultConfig(), catalog, metrics, logger)
	require.NoError(t, err)
	pipe := fusion.New(fusion.Config{MissingThreshold: fusion.DefaultMissingThreshold, CorrelationThreshold: 0.2},
		sc.Target, catalog, engine, logger)

	times := mem.LabelledTimes()
	samples, err := training.BuildDataset(ctx, mem, pipe, times, 2)
	require.NoError(t, err)
	protected := fusion.ResidualChannels(catalog)
	sel, samples, err := training.Select(samples, 0.2, protected)
	require.NoError(t, err)

	arch := model.Architecture{
		InputChannels:    samples[0].ChannelNames(),
		ResidualChannels: protected,
		AdapterHidden:    6,
		AdapterOut:       4,
		BackboneWidths:   []int{4},
		KernelSize:       3,
		MLPHidden:        4,
	}
	m, err := model.New(arch)
	require.NoError(t, err)
	params, err := model.InitParameters(arch, 1)
	require.NoError(t, err)
	params.Selection = sel
	params.Version = "it-1"

	cfg := training.DefaultConfig()
	cfg.SaveEvery = 1
	orch, err := training.New(cfg, m, metrics, logger)
	require.NoError(t, err)
	split, err := training.SplitMask(len(samples), 0.34, 1)
	require.NoError(t, err)

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "params.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = orch.Run(ctx, params, training.NewState(cfg, params), samples, split, 2, store.Save)
	require.NoError(t, err)

	loaded, ok, err := store.Latest(ctx, arch.ID())
	require.NoError(t, err)
	require.True(t, ok)

	svc, err := inference.New(mem, pipe, m, loaded, 2, metrics, logger)
	require.NoError(t, err)
	return fixture{archive: mem, service: svc, params: loaded, times: times}
}
