// Package whatsapp adapts whatsmeow clients to the accounts socket interface.
package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/config"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/fingerprint"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/logger"
	sessions "github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

type FactoryConfig struct {
	DeviceSeed   string
	ProxyCountry string
	Proxies      *config.ProxyPool
	MediaTimeout time.Duration
}

// Factory opens one whatsmeow client per account, each backed by its own
// sqlite device store inside the account's session directory.
type Factory struct {
	cfg   FactoryConfig
	media *resty.Client
}

func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 60 * time.Second
	}

	// Device props are process wide in whatsmeow; they are sent when a new
	// companion registers.
	host := fingerprint.Generate(cfg.DeviceSeed, "", cfg.ProxyCountry)
	platform := waCompanionReg.DeviceProps_CHROME
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = proto.String(fmt.Sprintf("Windows %s", host.ComputerName))

	return &Factory{
		cfg: cfg,
		media: resty.New().
			SetTimeout(cfg.MediaTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// Open implements accounts.SocketFactory.
func (f *Factory) Open(ctx context.Context, cfg accounts.SocketConfig) (accounts.Socket, error) {
	dbPath := filepath.Join(cfg.SessionDir, sessions.DatabaseFile)
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	container, err := sqlstore.New(ctx, "sqlite3", dbURI, logger.WA("db/"+cfg.AccountID))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.WA("client/"+cfg.AccountID))
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	if p := f.cfg.Proxies.ForAccount(cfg.AccountID); p != nil && p.Enabled {
		if err := client.SetProxyAddress(p.GetURL()); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("set proxy %s: %w", p.String(), err)
		}
		zap.L().Info("whatsapp: using proxy", zap.String("account", cfg.AccountID), zap.String("proxy", p.String()))
	}

	companion := fingerprint.Generate(f.cfg.DeviceSeed, cfg.AccountID, f.cfg.ProxyCountry)
	return newSocket(cfg.AccountID, client, container, companion, f.media), nil
}
