package drivewatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newChange(id, name, mimeType, at string, parents ...string) *drive.Change {
	return &drive.Change{
		Kind:       "drive#change",
		ChangeType: "file",
		Time:       at,
		FileId:     id,
		File: &drive.File{
			Kind:     "drive#file",
			Id:       id,
			Name:     name,
			MimeType: mimeType,
			Parents:  parents,
		},
	}
}

func TestApp(t *testing.T) {
	restore := flextime.Fix(testNow)
	defer restore()
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	tmpDir := t.TempDir()
	ctx := context.Background()
	storage, err := NewStorage(ctx, StorageOption{
		Type:     "file",
		LockFile: filepath.Join(tmpDir, "drivewatch.lock"),
		DataFile: filepath.Join(tmpDir, "drivewatch.json"),
	})
	require.NoError(t, err)
	eventFilePath := filepath.Join(tmpDir, "drivewatch.ndjson")
	dispatcher, err := NewDispatcher(ctx, DispatchOption{
		Type:      "file",
		EventFile: eventFilePath,
	}, nil, nil)
	require.NoError(t, err)

	var app *App
	appServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.ServeHTTP(w, r)
	}))
	defer appServer.Close()
	app, err = New(AppOption{
		Webhook:    appServer.URL + "/drive-notifications",
		Expiration: 168 * time.Hour,
	}, storage, dispatcher, newTestDriveService(t, stubServer.URL))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	defer app.Close()

	req := httptest.NewRequest(http.MethodPost, appServer.URL+"/sync", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)
	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	state, err := storage.Load(ctx, DefaultScopeKey)
	require.NoError(t, err)
	require.Equal(t, stubToken(0), state.StartPageToken)

	c := newChange("file1", "report.pdf", "application/pdf", "2026-01-02T03:00:00.000Z", "folder1")
	c.File.Size = 1024
	c.File.Version = 3
	c.File.CreatedTime = "2026-01-01T00:00:00.000Z"
	c.File.ModifiedTime = "2026-01-02T03:00:00.000Z"
	stub.AppendChanges(DefaultDriveID, c)
	require.Equal(t, http.StatusOK, stub.Notify(DefaultDriveID, "change"))

	state, err = storage.Load(ctx, DefaultScopeKey)
	require.NoError(t, err)
	require.Equal(t, stubToken(1), state.StartPageToken)

	g := goldie.New(
		t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden.json"),
	)
	bs, err := os.ReadFile(eventFilePath)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(bs, &m))
	g.AssertJson(t, "event", m)
}

func TestAppList(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))

	var buf bytes.Buffer
	require.NoError(t, env.app.List(ctx, ListOption{Output: &buf}))
	out := buf.String()
	state := env.load(t, DefaultScopeKey)
	require.Contains(t, out, DefaultScopeKey)
	require.Contains(t, out, "ACTIVE")
	require.Contains(t, out, state.MaskedChannelID())
	require.NotContains(t, out, state.ChannelID)
}

func TestAppCleanup(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	channelID := env.load(t, DefaultScopeKey).ChannelID

	require.NoError(t, env.app.Cleanup(ctx, CleanupOption{}))
	require.Equal(t, []string{channelID}, env.stub.Stopped())
	state := env.load(t, DefaultScopeKey)
	require.True(t, state.Stopped)

	// stopping twice is a no-op
	require.NoError(t, env.app.Cleanup(ctx, CleanupOption{Delete: true}))
	require.Len(t, env.stub.Stopped(), 1)
	_, err := env.storage.Load(ctx, DefaultScopeKey)
	require.True(t, isStateNotFound(err))
}

func TestAppSyncOption(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	env.stub.AppendChanges(DefaultDriveID, newChange("a", "a.txt", "text/plain", "2026-01-02T03:00:00Z"))

	require.NoError(t, env.app.Sync(ctx, SyncOption{Scope: DefaultScopeKey}))
	require.Len(t, env.dispatcher.Requests(), 1)

	var notFound *ScopeNotFound
	require.ErrorAs(t, env.app.Sync(ctx, SyncOption{Scope: "unknown"}), &notFound)
}
