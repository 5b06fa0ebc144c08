package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2/pkg/runtime"
	"gorm.io/gorm"

	"persons-desktop/internal/api"
	"persons-desktop/internal/config"
	"persons-desktop/internal/credentials"
	"persons-desktop/internal/database"
	"persons-desktop/internal/models"
	"persons-desktop/internal/services/history"
	"persons-desktop/internal/services/persons"
	"persons-desktop/internal/services/scheduler"
	"persons-desktop/internal/services/transfer"
)

const personsUpdatedEvent = "persons:updated"

// App struct - main application state
type App struct {
	ctx              context.Context
	cfg              *config.Config
	db               *gorm.DB
	client           *api.Client
	transferService  *transfer.Service
	personsService   *persons.Service
	historyService   *history.Service
	schedulerService *scheduler.Service
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// wailsNotifier forwards transfer status to the frontend as transfer:<kind> events
type wailsNotifier struct {
	ctx context.Context
}

func (n wailsNotifier) Publish(status transfer.TransferStatus) {
	runtime.EventsEmit(n.ctx, fmt.Sprintf("transfer:%s", status.Kind), status)
}

// browserRetriever hands finished exports to the system browser
type browserRetriever struct {
	ctx context.Context
}

func (b browserRetriever) Retrieve(ctx context.Context, artifactURL string) error {
	runtime.BrowserOpenURL(b.ctx, artifactURL)
	return nil
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	log.Info("Application starting up...")

	err := a.wire(ctx,
		wailsNotifier{ctx: ctx},
		browserRetriever{ctx: ctx},
		func(list []models.Person) { runtime.EventsEmit(ctx, personsUpdatedEvent, list) },
	)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	log.Info("Startup complete")
}

// wire wires every service. startup passes the Wails-backed collaborators.
func (a *App) wire(ctx context.Context, notifier transfer.Notifier, retriever transfer.ArtifactRetriever, listener persons.Listener) error {
	a.ctx = ctx

	token := a.cfg.API.Token
	if token == "" {
		stored, err := credentials.LoadToken(a.cfg.API.BaseURL)
		if err != nil {
			return err
		}
		token = stored
	}
	a.client = api.NewClient(a.cfg.API.BaseURL, token, a.cfg.API.Timeout)
	log.WithField("base_url", a.client.BaseURL()).Info("API client initialized")

	db, err := database.Init(a.cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	a.historyService = history.NewService(db)
	a.personsService = persons.NewService(a.client, listener)

	a.transferService = transfer.NewService(ctx, transfer.NewAPIRunner(a.client), transfer.Options{
		Records:   a.personsService,
		Retriever: retriever,
		Notifier:  notifier,
		History:   a.historyService,
		Policy:    a.cfg.PollPolicy(),
	})
	log.Info("Transfer service initialized")

	a.schedulerService = scheduler.NewService(db, ctx, a.transferService)
	if err := a.schedulerService.Start(); err != nil {
		log.Warnf("Failed to start scheduler: %v", err)
	}
	return nil
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Info("Application shutting down...")

	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}
	if a.transferService != nil {
		a.transferService.Shutdown()
	}
	if err := database.Close(); err != nil {
		log.Errorf("Error closing database: %v", err)
	}

	log.Info("Shutdown complete")
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Transfer Methods

// SelectImportFile opens a native dialog and returns the chosen CSV path
func (a *App) SelectImportFile() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select persons CSV",
		Filters: []runtime.FileFilter{
			{DisplayName: "CSV files (*.csv)", Pattern: "*.csv"},
		},
	})
}

// StartImport uploads the CSV at path. searchTerm is the filter the record
// list is refreshed with once the import succeeds.
func (a *App) StartImport(path string, searchTerm string) (transfer.TransferStatus, error) {
	req, err := readImportFile(path)
	if err != nil {
		return a.transferService.Status(transfer.KindImport), err
	}
	req.SearchTerm = searchTerm
	return a.transferService.StartImport(a.ctx, req)
}

// StartExport requests a CSV export of all persons
func (a *App) StartExport() (transfer.TransferStatus, error) {
	return a.transferService.StartExport(a.ctx)
}

// GetTransferStatus returns the current status of "import" or "export"
func (a *App) GetTransferStatus(kind string) (transfer.TransferStatus, error) {
	k, err := transfer.ParseKind(kind)
	if err != nil {
		return transfer.TransferStatus{}, err
	}
	return a.transferService.Status(k), nil
}

// CancelTransfer stops polling the given kind. Server-side work is not undone.
func (a *App) CancelTransfer(kind string) (bool, error) {
	k, err := transfer.ParseKind(kind)
	if err != nil {
		return false, err
	}
	return a.transferService.Cancel(k), nil
}

// ListTransfers retrieves recent transfer history
func (a *App) ListTransfers(limit int) ([]history.Entry, error) {
	return a.historyService.Recent(limit)
}

// Person Methods

// ListPersons reloads and returns the record list
func (a *App) ListPersons(searchTerm string) ([]models.Person, error) {
	if err := a.personsService.Refresh(a.ctx, searchTerm); err != nil {
		return nil, err
	}
	return a.personsService.Persons(), nil
}

// DeletePerson removes one person
func (a *App) DeletePerson(id int) error {
	return a.personsService.Delete(a.ctx, id)
}

// Scheduler Methods

// ScheduleExport creates or updates a recurring export by name
func (a *App) ScheduleExport(name string, cronExpr string) (string, error) {
	return a.schedulerService.UpsertExport(scheduler.UpsertExportRequest{
		Name:    name,
		Cron:    cronExpr,
		Enabled: true,
	})
}

// ListScheduledExports retrieves all scheduled exports
func (a *App) ListScheduledExports() ([]scheduler.ExportListResponse, error) {
	return a.schedulerService.ListExports()
}

// DeleteScheduledExport removes a scheduled export
func (a *App) DeleteScheduledExport(id string) error {
	return a.schedulerService.DeleteExport(id)
}

// Credential Methods

// SaveAPIToken stores the token in the OS keychain and starts using it
func (a *App) SaveAPIToken(token string) error {
	token = strings.TrimSpace(token)
	if err := credentials.SaveToken(a.cfg.API.BaseURL, token); err != nil {
		return err
	}
	a.client.SetToken(token)
	return nil
}

// HasAPIToken reports whether a token is stored for the configured API
func (a *App) HasAPIToken() bool {
	return credentials.HasToken(a.cfg.API.BaseURL)
}

// ClearAPIToken removes the stored token and stops sending it
func (a *App) ClearAPIToken() error {
	if err := credentials.DeleteToken(a.cfg.API.BaseURL); err != nil {
		return err
	}
	a.client.SetToken(a.cfg.API.Token)
	return nil
}

// readImportFile loads a CSV for upload. Content is not inspected; the
// server validates rows.
func readImportFile(path string) (transfer.ImportRequest, error) {
	if path == "" {
		return transfer.ImportRequest{}, errors.New("no file selected")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return transfer.ImportRequest{}, fmt.Errorf("failed to read import file: %w", err)
	}
	return transfer.ImportRequest{FileName: filepath.Base(path), Content: content}, nil
}
