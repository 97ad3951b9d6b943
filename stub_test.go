package drivewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// page tokens of the stub feed are 100 + index into the drive's change log
const stubTokenBase = 100

func stubToken(index int) string {
	return strconv.Itoa(stubTokenBase + index)
}

type stubHandler struct {
	mu             sync.RWMutex
	t              *testing.T
	router         *mux.Router
	channels       map[string]drive.Channel
	channelByDrive map[string]string
	changes        map[string][]*drive.Change
	files          map[string]*drive.File
	stopped        []string
	watchCount     int
	listCalls      int
	fileListCalls  int
	messageNumber  int
	changesStatus  int
	watchStatus    int
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:              t,
		router:         mux.NewRouter(),
		channels:       make(map[string]drive.Channel),
		channelByDrive: make(map[string]string),
		changes:        make(map[string][]*drive.Change),
		files:          make(map[string]*drive.File),
	}
	stub.setupRoute()
	return httptest.NewServer(stub), stub
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/changes/startPageToken", h.handleStartPageToken).Methods(http.MethodGet)
	h.router.HandleFunc("/changes/watch", h.handleWatch).Methods(http.MethodPost)
	h.router.HandleFunc("/changes", h.handleChangeList).Methods(http.MethodGet)
	h.router.HandleFunc("/channels/stop", h.handleStop).Methods(http.MethodPost)
	h.router.HandleFunc("/files", h.handleFileList).Methods(http.MethodGet)
	h.router.HandleFunc("/files/{fileId}", h.handleFileGet).Methods(http.MethodGet)
	h.router.HandleFunc("/files/{fileId}/export", h.handleFileExport).Methods(http.MethodGet)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func writeStubJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func writeStubError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, http.StatusText(code))
}

func driveKey(r *http.Request) string {
	if id := r.URL.Query().Get("driveId"); id != "" {
		return id
	}
	return DefaultDriveID
}

func (h *stubHandler) handleStartPageToken(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	n := len(h.changes[driveKey(r)])
	h.mu.RUnlock()
	writeStubJSON(h.t, w, &drive.StartPageToken{
		StartPageToken: stubToken(n),
	})
}

func (h *stubHandler) handleWatch(w http.ResponseWriter, r *http.Request) {
	if code := h.watchStatusCode(); code != 0 {
		writeStubError(w, code)
		return
	}
	var payload drive.Channel
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("pageToken") == "" {
		http.Error(w, "missing pageToken", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.watchCount++
	payload.ResourceId = fmt.Sprintf("resource-%d", h.watchCount)
	payload.ResourceUri = "https://www.googleapis.com/drive/v3/changes"
	payload.Kind = "api#channel"
	h.channels[payload.Id] = payload
	h.channelByDrive[driveKey(r)] = payload.Id
	h.mu.Unlock()
	writeStubJSON(h.t, w, payload)
}

func (h *stubHandler) watchStatusCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watchStatus
}

func (h *stubHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var payload drive.Channel
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[payload.Id]
	if !ok || ch.ResourceId != payload.ResourceId {
		writeStubError(w, http.StatusNotFound)
		return
	}
	delete(h.channels, payload.Id)
	h.stopped = append(h.stopped, payload.Id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *stubHandler) handleChangeList(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.listCalls++
	status := h.changesStatus
	changes := h.changes[driveKey(r)]
	h.mu.Unlock()
	if status != 0 {
		writeStubError(w, status)
		return
	}
	token, err := strconv.Atoi(r.URL.Query().Get("pageToken"))
	if err != nil {
		http.Error(w, "invalid pageToken", http.StatusBadRequest)
		return
	}
	index := token - stubTokenBase
	if index < 0 || index > len(changes) {
		writeStubError(w, http.StatusGone)
		return
	}
	pageSize := 100
	if v := r.URL.Query().Get("pageSize"); v != "" {
		pageSize, _ = strconv.Atoi(v)
	}
	end := min(index+pageSize, len(changes))
	resp := drive.ChangeList{
		Kind:    "drive#changeList",
		Changes: changes[index:end],
	}
	if end < len(changes) {
		resp.NextPageToken = stubToken(end)
	} else {
		resp.NewStartPageToken = stubToken(len(changes))
	}
	writeStubJSON(h.t, w, resp)
}

var (
	parentsQueryPattern = regexp.MustCompile(`'([^']+)' in parents`)
	markerQueryPattern  = regexp.MustCompile(`name contains '([^']+)'`)
)

func (h *stubHandler) handleFileList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	h.mu.Lock()
	h.fileListCalls++
	var files []*drive.File
	for _, f := range h.files {
		if f.Trashed {
			continue
		}
		if q == allFilesQuery {
			if f.MimeType != FolderMimeType {
				files = append(files, f)
			}
			continue
		}
		if m := markerQueryPattern.FindStringSubmatch(q); m != nil {
			if f.MimeType == FolderMimeType && strings.Contains(f.Name, m[1]) {
				files = append(files, f)
			}
			continue
		}
		for _, m := range parentsQueryPattern.FindAllStringSubmatch(q, -1) {
			if slices.Contains(f.Parents, m[1]) {
				files = append(files, f)
				break
			}
		}
	}
	h.mu.Unlock()
	slices.SortFunc(files, func(a, b *drive.File) int {
		return strings.Compare(a.Id, b.Id)
	})
	writeStubJSON(h.t, w, drive.FileList{Kind: "drive#fileList", Files: files})
}

func (h *stubHandler) handleFileGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	h.mu.RLock()
	f, ok := h.files[id]
	h.mu.RUnlock()
	if !ok {
		writeStubError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "content of %s", f.Name)
}

func (h *stubHandler) handleFileExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	h.mu.RLock()
	f, ok := h.files[id]
	h.mu.RUnlock()
	if !ok {
		writeStubError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", r.URL.Query().Get("mimeType"))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "export of %s", f.Name)
}

func (h *stubHandler) AddFiles(files ...*drive.File) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range files {
		h.files[f.Id] = f
	}
}

func (h *stubHandler) SetChangesStatus(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changesStatus = code
}

func (h *stubHandler) SetWatchStatus(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchStatus = code
}

func (h *stubHandler) Channel(channelID string) (drive.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[channelID]
	return ch, ok
}

func (h *stubHandler) ActiveChannels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *stubHandler) Stopped() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.stopped)
}

func (h *stubHandler) ListCalls() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listCalls
}

func (h *stubHandler) FileListCalls() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fileListCalls
}

// AppendChanges adds changes to the drive's change log without notifying.
func (h *stubHandler) AppendChanges(driveID string, changes ...*drive.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes[driveID] = append(h.changes[driveID], changes...)
}

// Notify delivers a notification for the drive's current channel and
// returns the webhook response status.
func (h *stubHandler) Notify(driveID, state string) int {
	h.mu.Lock()
	channelID, ok := h.channelByDrive[driveID]
	channel := h.channels[channelID]
	h.messageNumber++
	n := h.messageNumber
	h.mu.Unlock()
	if !ok {
		h.t.Error("notify but channel not found")
		return 0
	}
	return h.deliver(channel, state, n)
}

func (h *stubHandler) deliver(channel drive.Channel, state string, messageNumber int) int {
	req, err := http.NewRequest(http.MethodPost, channel.Address, nil)
	require.NoError(h.t, err)
	req.Header.Set("X-Goog-Channel-ID", channel.Id)
	req.Header.Set("X-Goog-Resource-ID", channel.ResourceId)
	req.Header.Set("X-Goog-Resource-State", state)
	req.Header.Set("X-Goog-Message-Number", strconv.Itoa(messageNumber))
	req.Header.Set("X-Goog-Channel-Token", channel.Token)
	req.Header.Set("User-Agent", "APIs-Google; (+https://developers.google.com/webmasters/APIs-Google.html)")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	resp.Body.Close()
	return resp.StatusCode
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []*DispatchRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req *DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.err
}

func (d *recordingDispatcher) Requests() []*DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.requests)
}

func (d *recordingDispatcher) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type testEnv struct {
	app        *App
	stub       *stubHandler
	storage    *FileStorage
	dispatcher *recordingDispatcher
	appServer  *httptest.Server
}

func newTestDriveService(t *testing.T, url string) *drive.Service {
	t.Helper()
	svc, err := drive.NewService(context.Background(), option.WithoutAuthentication(), option.WithEndpoint(url))
	require.NoError(t, err)
	return svc
}

// newTestEnv wires an App to the stub Drive API and a file storage.
// watchYAML, when given, is written as the watch config file.
func newTestEnv(t *testing.T, opt AppOption, watchYAML string) *testEnv {
	t.Helper()
	stubServer, stub := NewStub(t)
	t.Cleanup(stubServer.Close)
	tmpDir := t.TempDir()
	storage, err := NewFileStorage(context.Background(), StorageOption{
		Type:     "file",
		DataFile: filepath.Join(tmpDir, "drivewatch.json"),
		LockFile: filepath.Join(tmpDir, "drivewatch.lock"),
	})
	require.NoError(t, err)
	if watchYAML != "" {
		path := filepath.Join(tmpDir, "watch.yaml")
		require.NoError(t, os.WriteFile(path, []byte(watchYAML), 0600))
		opt.WatchConfig = path
	}
	env := &testEnv{
		stub:       stub,
		storage:    storage,
		dispatcher: &recordingDispatcher{},
	}
	env.appServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.app.ServeHTTP(w, r)
	}))
	t.Cleanup(env.appServer.Close)
	if opt.Webhook == "" {
		opt.Webhook = env.appServer.URL + "/drive-notifications"
	}
	if opt.Expiration == 0 {
		opt.Expiration = 168 * time.Hour
	}
	app, err := New(opt, storage, env.dispatcher, newTestDriveService(t, stubServer.URL))
	require.NoError(t, err)
	env.app = app
	return env
}

func (env *testEnv) load(t *testing.T, scopeKey string) *SyncState {
	t.Helper()
	state, err := env.storage.Load(context.Background(), scopeKey)
	require.NoError(t, err)
	return state
}
