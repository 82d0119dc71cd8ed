package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/storage"
)

func TestConnectionManager_ReplicaRoundRobin(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	r1, _, err := sqlmock.New()
	require.NoError(t, err)
	r2, _, err := sqlmock.New()
	require.NoError(t, err)

	cm := NewConnectionManagerFromDB(primary, r1, r2)
	defer cm.Close()

	seen := map[interface{}]int{}
	for i := 0; i < 4; i++ {
		seen[cm.Replica()]++
	}
	assert.Equal(t, 2, seen[r1])
	assert.Equal(t, 2, seen[r2])
	assert.Same(t, primary, cm.Primary())
}

func TestConnectionManager_NoReplicasFallsBackToPrimary(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	cm := NewConnectionManagerFromDB(primary)
	defer cm.Close()

	assert.Same(t, primary, cm.Replica())
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	healthy, healthyMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	broken, brokenMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	healthyMock.ExpectPing()
	brokenMock.ExpectPing().WillReturnError(assert.AnError)
	brokenMock.ExpectClose()

	cm := NewConnectionManagerFromDB(primary, healthy, broken)
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, healthy, cm.Replica())
}

func TestSchema_Dialects(t *testing.T) {
	pg := Schema(storage.Postgres)
	lite := Schema(storage.SQLite)

	assert.Contains(t, pg, "id BIGSERIAL PRIMARY KEY")
	assert.Contains(t, pg, "TIMESTAMPTZ")
	assert.Contains(t, lite, "INTEGER PRIMARY KEY AUTOINCREMENT")
	assert.False(t, strings.Contains(lite, "{{"))
	assert.Contains(t, pg, "PRIMARY KEY (year, prefix)")
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	cfg.RedisURL = "not-a-url"
	_, err = NewRedisClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewS3Client_StaticCredentials(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.S3Endpoint = "http://localhost:9000"
	cfg.S3AccessKey = "minio"
	cfg.S3SecretKey = "minio123"
	cfg.S3UsePathStyle = true

	client, err := NewS3Client(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}
