package whatsmeow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/lib/pq"           // driver do device store em PostgreSQL
	_ "github.com/mattn/go-sqlite3" // driver dos arquivos de sessão
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/config"
	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage"
)

type noopLogger struct{}

func (n *noopLogger) Debugf(msg string, args ...interface{}) {}
func (n *noopLogger) Infof(msg string, args ...interface{})  {}
func (n *noopLogger) Warnf(msg string, args ...interface{})  {}
func (n *noopLogger) Errorf(msg string, args ...interface{}) {}
func (n *noopLogger) Sub(module string) waLog.Logger         { return n }

// deviceConfigMu protege store.DeviceProps, que é global no whatsmeow.
var deviceConfigMu sync.Mutex

type FactoryOptions struct {
	Driver     string // sqlite ou postgres
	BaseDir    string
	PostgreDSN string
	Device     config.WhatsAppConfig
}

// Factory cria um cliente whatsmeow por sessão. No modo sqlite cada sessão
// tem seu próprio arquivo <BaseDir>/<id>.db; no modo postgres todas
// compartilham um container e a tabela session_devices liga sessão e JID.
type Factory struct {
	opts     FactoryOptions
	contacts storage.ContactRepository
	log      *zap.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	db        *sql.DB
}

var _ session.TransportFactory = (*Factory)(nil)

func NewFactory(opts FactoryOptions, contacts storage.ContactRepository, log *zap.Logger) (*Factory, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.Driver == "sqlite" {
		if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("whatsmeow: criar diretório de sessões: %w", err)
		}
	}
	if opts.Driver == "postgres" && opts.PostgreDSN == "" {
		return nil, errors.New("whatsmeow: DSN do PostgreSQL não informado")
	}
	return &Factory{opts: opts, contacts: contacts, log: log}, nil
}

func (f *Factory) sqlitePath(sessionID string) string {
	return filepath.Join(f.opts.BaseDir, sessionID+".db")
}

// postgres abre (uma vez) o container compartilhado e a conexão usada para
// o mapeamento sessão → device.
func (f *Factory) postgres(ctx context.Context) (*sqlstore.Container, *sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.container != nil {
		return f.container, f.db, nil
	}

	container, err := sqlstore.New(ctx, "postgres", f.opts.PostgreDSN, &noopLogger{})
	if err != nil {
		return nil, nil, fmt.Errorf("whatsmeow: criar store PostgreSQL: %w", err)
	}
	db, err := sql.Open("postgres", f.opts.PostgreDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("whatsmeow: abrir conexão PostgreSQL: %w", err)
	}
	f.container = container
	f.db = db
	return container, db, nil
}

// openSQLite abre o arquivo da sessão. A conexão pertence a quem chamou e
// deve ser fechada; upgrade cria ou migra as tabelas do whatsmeow.
func (f *Factory) openSQLite(ctx context.Context, sessionID string, upgrade bool) (*sqlstore.Container, *sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", f.sqlitePath(sessionID)))
	if err != nil {
		return nil, nil, fmt.Errorf("whatsmeow: abrir store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", &noopLogger{})
	if upgrade {
		if err := container.Upgrade(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("whatsmeow: criar store: %w", err)
		}
	}
	return container, db, nil
}

// deviceFor devolve o device da sessão e, no modo sqlite, a conexão exclusiva
// dele, que o transporte fecha no Disconnect. No modo postgres a conexão é
// compartilhada e volta nil.
func (f *Factory) deviceFor(ctx context.Context, sessionID string) (*store.Device, *sql.DB, error) {
	if f.opts.Driver == "postgres" {
		container, db, err := f.postgres(ctx)
		if err != nil {
			return nil, nil, err
		}

		var jidStr string
		err = db.QueryRowContext(ctx, `SELECT jid FROM session_devices WHERE session_id = $1`, sessionID).Scan(&jidStr)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return container.NewDevice(), nil, nil
		case err != nil:
			return nil, nil, fmt.Errorf("whatsmeow: buscar device da sessão: %w", err)
		}

		jid, err := types.ParseJID(jidStr)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsmeow: parse device JID: %w", err)
		}
		device, err := container.GetDevice(ctx, jid)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsmeow: obter device PostgreSQL: %w", err)
		}
		if device == nil {
			return container.NewDevice(), nil, nil
		}
		return device, nil, nil
	}

	container, db, err := f.openSQLite(ctx, sessionID, true)
	if err != nil {
		return nil, nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("whatsmeow: obter device: %w", err)
	}
	return device, db, nil
}

// sqlitePaired informa se o arquivo da sessão guarda um device pareado. Um
// arquivo criado no primeiro dial, sem QR lido, não conta.
func (f *Factory) sqlitePaired(ctx context.Context, sessionID string) bool {
	container, db, err := f.openSQLite(ctx, sessionID, false)
	if err != nil {
		return false
	}
	defer db.Close()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		f.log.Debug("arquivo de sessão ilegível", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return device.ID != nil && !device.ID.IsEmpty()
}

// New monta o cliente da sessão sem conectar.
func (f *Factory) New(ctx context.Context, sessionID string) (session.Transport, error) {
	device, db, err := f.deviceFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	paired := device.ID != nil && !device.ID.IsEmpty()
	if !paired {
		f.applyDeviceProps()
	}

	client := whatsmeow.NewClient(device, &noopLogger{})
	client.EnableAutoReconnect = false

	t := newTransport(sessionID, client, f, f.log.With(zap.String("session_id", sessionID)))
	t.db = db
	f.log.Debug("transporte criado",
		zap.String("session_id", sessionID),
		zap.Bool("paired", paired),
		zap.String("driver", f.opts.Driver),
	)
	return t, nil
}

// bind grava a associação sessão → JID após o pareamento (modo postgres).
func (f *Factory) bind(ctx context.Context, sessionID string, jid types.JID) {
	if f.opts.Driver != "postgres" {
		return
	}
	_, db, err := f.postgres(ctx)
	if err != nil {
		f.log.Error("erro ao vincular device", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO session_devices (session_id, jid, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET jid = EXCLUDED.jid, updated_at = NOW()`,
		sessionID, jid.String())
	if err != nil {
		f.log.Error("erro ao vincular device", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ListCredentials retorna as sessões que possuem credenciais pareadas. No
// modo sqlite só entram arquivos cujo device tem JID.
func (f *Factory) ListCredentials(ctx context.Context) ([]string, error) {
	if f.opts.Driver == "postgres" {
		_, db, err := f.postgres(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := db.QueryContext(ctx, `SELECT session_id FROM session_devices ORDER BY session_id`)
		if err != nil {
			return nil, fmt.Errorf("whatsmeow: listar devices: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	entries, err := os.ReadDir(f.opts.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("whatsmeow: listar diretório de sessões: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".db")
		if !session.ValidID(id) || !f.sqlitePaired(ctx, id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Purge apaga as credenciais da sessão. Ausência não é erro.
func (f *Factory) Purge(ctx context.Context, sessionID string) error {
	if f.opts.Driver == "postgres" {
		container, db, err := f.postgres(ctx)
		if err != nil {
			return err
		}

		var jidStr string
		err = db.QueryRowContext(ctx, `SELECT jid FROM session_devices WHERE session_id = $1`, sessionID).Scan(&jidStr)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("whatsmeow: buscar device da sessão: %w", err)
		}

		if jid, perr := types.ParseJID(jidStr); perr == nil {
			device, gerr := container.GetDevice(ctx, jid)
			if gerr == nil && device != nil {
				if err := device.Delete(ctx); err != nil {
					return fmt.Errorf("whatsmeow: deletar device PostgreSQL: %w", err)
				}
			}
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM session_devices WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("whatsmeow: remover vínculo do device: %w", err)
		}
		f.log.Info("sessão removida do PostgreSQL", zap.String("session_id", sessionID), zap.String("jid", jidStr))
		return nil
	}

	dbPath := f.sqlitePath(sessionID)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("whatsmeow: remover %s: %w", filepath.Base(p), err)
		}
	}
	f.log.Info("arquivo SQLite deletado", zap.String("session_id", sessionID), zap.String("db_path", dbPath))
	return nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}

// applyDeviceProps define nome do SO e plataforma exibidos no celular durante
// o pareamento.
func (f *Factory) applyDeviceProps() {
	deviceConfigMu.Lock()
	defer deviceConfigMu.Unlock()

	store.SetOSInfo(f.opts.Device.OSName, [3]uint32{1, 0, 0})
	store.DeviceProps.PlatformType = mapPlatformType(f.opts.Device.PlatformType)
}

// mapPlatformType mapeia a configuração para o enum do WhatsMeow.
func mapPlatformType(platformType string) *waCompanionReg.DeviceProps_PlatformType {
	switch strings.ToUpper(platformType) {
	case "CHROME":
		return waCompanionReg.DeviceProps_CHROME.Enum()
	case "FIREFOX":
		return waCompanionReg.DeviceProps_FIREFOX.Enum()
	case "SAFARI":
		return waCompanionReg.DeviceProps_SAFARI.Enum()
	case "EDGE":
		return waCompanionReg.DeviceProps_EDGE.Enum()
	case "IPAD":
		return waCompanionReg.DeviceProps_IPAD.Enum()
	case "ANDROID_PHONE":
		return waCompanionReg.DeviceProps_ANDROID_PHONE.Enum()
	case "IOS_PHONE":
		return waCompanionReg.DeviceProps_IOS_PHONE.Enum()
	default:
		return waCompanionReg.DeviceProps_DESKTOP.Enum()
	}
}
