package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/fujiwara/ridge"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"google.golang.org/api/drive/v3"
)

// AppOption contains the core settings of the channel manager.
type AppOption struct {
	Webhook           string        `help:"webhook address, the public URL Drive delivers notifications to" env:"DRIVEWATCH_WEBHOOK"`
	Expiration        time.Duration `help:"notification channel expiration" default:"168h" env:"DRIVEWATCH_EXPIRATION"`
	DriveID           string        `help:"drive id watched when no watch config is given" default:"__default__" env:"DRIVEWATCH_DRIVE_ID"`
	WatchConfig       string        `help:"path to the watch scopes configuration file" env:"DRIVEWATCH_WATCH_CONFIG"`
	RefreshKey        string        `help:"shared secret for POST /refresh-channel (X-Refresh-Key header); empty disables the endpoint" env:"DRIVEWATCH_REFRESH_KEY"`
	RequestTimeout    time.Duration `help:"time budget of a webhook triggered sync" default:"25s" env:"DRIVEWATCH_REQUEST_TIMEOUT"`
	StrictUserAgent   bool          `help:"reject webhook requests whose User-Agent is not APIs-Google" default:"false" env:"DRIVEWATCH_STRICT_USER_AGENT" negatable:""`
	PageSize          int64         `help:"page size of Drive list calls" default:"100" env:"DRIVEWATCH_PAGE_SIZE"`
	RequestsPerSecond float64       `help:"Drive API requests per second" default:"8" env:"DRIVEWATCH_REQUESTS_PER_SECOND"`
}

// App manages notification channels and change-feed synchronization of
// the configured watch scopes.
type App struct {
	storage         Storage
	dispatcher      Dispatcher
	feed            ChangeFeed
	watch           *WatchConfig
	celEnv          *CELEnv
	router          *mux.Router
	locks           *scopeLocks
	rotateRemaining time.Duration
	expiration      time.Duration
	webhookMu       sync.RWMutex
	webhookURL      string
	refreshKey      string
	requestTimeout  time.Duration
	strictUserAgent bool
	lambdaClient    LambdaClient
}

// New creates an App. driveSvc must be an authorized Drive API client.
func New(opt AppOption, storage Storage, dispatcher Dispatcher, driveSvc *drive.Service) (*App, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if driveSvc == nil {
		return nil, errors.New("drive service is required")
	}
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	var watch *WatchConfig
	if opt.WatchConfig != "" {
		watch, err = LoadWatchConfig(opt.WatchConfig, env)
	} else {
		watch, err = DefaultWatchConfig(coalesce(opt.DriveID, DefaultDriveID), env)
	}
	if err != nil {
		return nil, fmt.Errorf("load watch config: %w", err)
	}
	expiration := opt.Expiration
	if expiration <= 0 {
		expiration = 168 * time.Hour
	}
	requestTimeout := opt.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 25 * time.Second
	}
	rotateRemaining := time.Duration(0.2 * float64(expiration))
	slog.Debug("channel rotation window", "expiration", expiration, "rotate_remaining", rotateRemaining)
	burst := int(opt.RequestsPerSecond)
	limiter := NewRateLimiter(opt.RequestsPerSecond, max(burst, 1))
	app := &App{
		storage:         storage,
		dispatcher:      dispatcher,
		feed:            NewDriveChangeFeed(driveSvc, limiter, opt.PageSize),
		watch:           watch,
		celEnv:          env,
		router:          mux.NewRouter(),
		locks:           newScopeLocks(),
		rotateRemaining: rotateRemaining,
		expiration:      expiration,
		webhookURL:      opt.Webhook,
		refreshKey:      opt.RefreshKey,
		requestTimeout:  requestTimeout,
		strictUserAgent: opt.StrictUserAgent,
	}
	app.setupRoute()
	return app, nil
}

func (app *App) Close() error {
	if c, ok := app.storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Serve starts the webhook server, locally or as an AWS Lambda handler.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	addr := fmt.Sprintf(":%d", opt.Port)
	slog.InfoContext(ctx, "starting webhook server", "addr", addr, "scopes", app.watch.ScopeNames())
	ridge.RunWithContext(ctx, addr, "/", app)
	return nil
}

// List writes a table of the stored sync states. Channel IDs are masked.
func (app *App) List(ctx context.Context, opt ListOption) error {
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	states, err := app.findAll(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Scope", "State", "Channel ID", "Resource ID", "Drive ID", "Cursor", "Expiration", "Watched Files", "Updated At"})
	for _, s := range states {
		if err := table.Append([]string{
			s.ScopeKey,
			ChannelStateOf(ctx, s, app.rotateRemaining).String(),
			s.MaskedChannelID(),
			coalesce(s.ResourceID, "-"),
			coalesce(s.DriveID, "-"),
			coalesce(s.StartPageToken, "-"),
			formatTime(s.Expiration),
			fmt.Sprintf("%d", len(s.WatchedFiles)),
			formatTime(s.UpdatedAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func (app *App) findAll(ctx context.Context) ([]*SyncState, error) {
	ch, err := app.storage.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("find all sync states: %w", err)
	}
	var states []*SyncState
	for items := range ch {
		states = append(states, items...)
	}
	slices.SortFunc(states, func(a, b *SyncState) int {
		switch {
		case a.ScopeKey < b.ScopeKey:
			return -1
		case a.ScopeKey > b.ScopeKey:
			return 1
		}
		return 0
	})
	return states, nil
}

// Register creates channels for scopes that have none. Existing channels are untouched.
func (app *App) Register(ctx context.Context, _ RegisterOption) error {
	return app.MaintainChannels(ctx, true)
}

// Renew maintains every scope's channel. On AWS Lambda it runs as the
// handler of a scheduled invocation.
func (app *App) Renew(ctx context.Context, _ RenewOption) error {
	if isLambda() {
		slog.InfoContext(ctx, "run renew on lambda")
		app.startLambdaMaintenance(ctx)
		return nil
	}
	return app.MaintainChannels(ctx, false)
}

// Sync forces a sync cycle of every scope.
func (app *App) Sync(ctx context.Context, opt SyncOption) error {
	if opt.Scope != "" {
		result, err := app.SyncScope(ctx, opt.Scope, "")
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "sync completed", "scope", opt.Scope, "files", len(result.FileIDs), "cursor", result.NextCursor)
		return nil
	}
	return app.SyncAll(ctx)
}

// Cleanup stops every stored channel.
func (app *App) Cleanup(ctx context.Context, opt CleanupOption) error {
	states, err := app.findAll(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range states {
		if err := app.StopChannel(ctx, s.ScopeKey); err != nil {
			slog.WarnContext(ctx, "stop channel failed", "scope", s.ScopeKey, "error", err)
			errs = append(errs, err)
			continue
		}
		if opt.Delete {
			if err := app.storage.Delete(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
