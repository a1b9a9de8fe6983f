package clientcli_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/clientcli"
	"github.com/capsulefs/capsule/database"
	"github.com/capsulefs/capsule/filesystem"
	capsulehttp "github.com/capsulefs/capsule/http"
)

// newClientEnv stands up a real server with one bucket and returns a
// client configured against it, along with the working config.
func newClientEnv(t *testing.T) (*clientcli.Client, *clientcli.Config, context.Context) {
	t.Helper()
	ctx := context.Background()

	store, closeDB, err := database.Connect(ctx, database.Config{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err, "connect sqlite")
	t.Cleanup(closeDB)

	storage, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err, "open spool")

	svc := capsule.NewService(store, storage, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = svc.CreateVolume(ctx, "test", t.TempDir(), 1<<30, true)
	require.NoError(t, err)

	b, err := svc.CreateBucket(ctx, "cli-bucket", 0, 0)
	require.NoError(t, err)

	h := capsulehttp.NewHandler(svc, capsulehttp.HandlerConfig{
		JWTSecret: "client-test-secret",
		TokenTTL:  time.Hour,
	})
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)

	cfg := &clientcli.Config{
		Server:    server.URL,
		Bucket:    b.Name,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
	}
	c, err := clientcli.New(cfg)
	require.NoError(t, err)
	return c, cfg, ctx
}

func TestClientRoundTrip(t *testing.T) {
	c, _, ctx := newClientEnv(t)

	up, err := c.Upload(ctx, "notes/today.md", []byte("# todo"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "notes/today.md", up.Key)
	assert.NotEmpty(t, up.ETag)
	assert.Equal(t, int64(6), up.Size)

	data, err := c.Download(ctx, "notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, "# todo", string(data))

	require.NoError(t, c.Delete(ctx, "notes/today.md"))

	_, err = c.Download(ctx, "notes/today.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoSuchKey")
}

func TestClientList(t *testing.T) {
	c, _, ctx := newClientEnv(t)

	for _, key := range []string{"logs/a.log", "logs/b.log", "top.txt"} {
		_, err := c.Upload(ctx, key, []byte("x"), "")
		require.NoError(t, err)
	}

	all, err := c.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all.Objects, 3)

	grouped, err := c.List(ctx, "", "/")
	require.NoError(t, err)
	require.Len(t, grouped.Objects, 1)
	assert.Equal(t, "top.txt", grouped.Objects[0].Key)
	assert.Equal(t, []string{"logs/"}, grouped.CommonPrefixes)

	prefixed, err := c.List(ctx, "logs/", "")
	require.NoError(t, err)
	assert.Len(t, prefixed.Objects, 2)
}

func TestClientWrongSecretRejected(t *testing.T) {
	_, cfg, ctx := newClientEnv(t)

	badCfg := *cfg
	badCfg.SecretKey = "bm90LXRoZS1yZWFsLWtleQ=="
	bad, err := clientcli.New(&badCfg)
	require.NoError(t, err)

	_, err = bad.Upload(ctx, "ok.txt", []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SignatureDoesNotMatch")
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  clientcli.Config
	}{
		{name: "missing server", cfg: clientcli.Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}},
		{name: "missing bucket", cfg: clientcli.Config{Server: "http://x", AccessKey: "a", SecretKey: "s"}},
		{name: "missing keys", cfg: clientcli.Config{Server: "http://x", Bucket: "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := clientcli.New(&tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := &clientcli.Config{
		Server:    "http://localhost:5801",
		Bucket:    "media",
		AccessKey: "AKIA1234567890ABCDEF",
		SecretKey: "c2VjcmV0",
	}
	require.NoError(t, clientcli.SaveConfigFile(path, want))

	got, err := clientcli.LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CAPSULE_SERVER", "http://envhost")
	t.Setenv("CAPSULE_BUCKET", "envbucket")
	t.Setenv("CAPSULE_ACCESS_KEY", "AKIAENV")
	t.Setenv("CAPSULE_SECRET_KEY", "envsecret")

	cfg := clientcli.ConfigFromEnv()
	assert.Equal(t, "http://envhost", cfg.Server)
	assert.Equal(t, "envbucket", cfg.Bucket)
	assert.Equal(t, "AKIAENV", cfg.AccessKey)
	assert.Equal(t, "envsecret", cfg.SecretKey)
}

func TestMergeConfig(t *testing.T) {
	file := &clientcli.Config{Server: "http://file", Bucket: "filebucket", AccessKey: "fileak", SecretKey: "filesk"}
	env := &clientcli.Config{Server: "http://env"}
	flags := &clientcli.Config{Bucket: "flagbucket"}

	merged := clientcli.MergeConfig(file, env, flags)
	assert.Equal(t, "http://env", merged.Server)
	assert.Equal(t, "flagbucket", merged.Bucket)
	assert.Equal(t, "fileak", merged.AccessKey)
	assert.Equal(t, "filesk", merged.SecretKey)

	assert.Equal(t, file, clientcli.MergeConfig(nil, file, nil))
}
