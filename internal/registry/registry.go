// Package registry owns the WhatsApp client sessions. It maps application
// device ids to whatsmeow clients, drives pairing and connection lifecycle,
// and publishes connection transitions on the event bus for the health
// engine's activity log.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	EventBus "github.com/asaskevich/EventBus"
	_ "github.com/mattn/go-sqlite3"
	"github.com/talkincode/wagate/internal/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TopicDeviceActivity carries (deviceID string, action string) event pairs.
const TopicDeviceActivity = "wagate:device:activity"

const deviceMarkerPrefix = "wagate_dev:"

// Registry wraps the whatsmeow session store and the in-memory client map.
type Registry struct {
	db        *gorm.DB
	bus       EventBus.Bus
	container *sqlstore.Container

	clients    map[string]*whatsmeow.Client
	clientsMux sync.RWMutex

	// per-device QR codes captured from pairing events, keyed by device id
	qrMap    map[string]string
	qrMapMux sync.RWMutex
}

func deviceMarker(id int64) string {
	return fmt.Sprintf("%s%d", deviceMarkerPrefix, id)
}

// New builds the registry on top of the application's existing database
// connection so session tables live alongside the rest of the schema.
func New(ctx context.Context, db *gorm.DB, bus EventBus.Bus, dbType string) (*Registry, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("registry: obtain sql.DB: %w", err)
	}

	driver := "postgres"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		// Some sqlite builds need the pragma per connection for session
		// table migrations.
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("registry: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("registry: session store upgrade: %w", err)
	}

	r := &Registry{
		db:        db,
		bus:       bus,
		container: container,
		clients:   make(map[string]*whatsmeow.Client),
		qrMap:     make(map[string]string),
	}

	stored, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list stored sessions: %w", err)
	}
	existing := make(map[string]bool, len(stored))
	for _, d := range stored {
		if d == nil {
			continue
		}
		marker := d.BusinessName
		if !strings.HasPrefix(marker, deviceMarkerPrefix) {
			continue
		}
		existing[marker] = true
		deviceID := strings.TrimPrefix(marker, deviceMarkerPrefix)
		r.registerClient(deviceID, whatsmeow.NewClient(d, nil))
	}

	// Provision application device rows created while the service was down.
	var rows []domain.WhatsAppDevice
	if err := db.Find(&rows).Error; err != nil {
		zap.L().Warn("registry: device row scan failed", zap.Error(err))
	} else {
		for _, row := range rows {
			if existing[deviceMarker(row.ID)] {
				continue
			}
			if err := r.provision(ctx, &row); err != nil {
				zap.L().Warn("registry: auto-provision failed",
					zap.Int64("device_id", row.ID), zap.Error(err))
			}
		}
	}

	zap.L().Info("registry: initialized", zap.Int("clients", len(r.clients)))
	return r, nil
}

// provision creates and persists a session-store device for an application
// row and registers an in-memory client for it.
func (r *Registry) provision(ctx context.Context, row *domain.WhatsAppDevice) error {
	dev := r.container.NewDevice()
	dev.PushName = row.Name
	dev.BusinessName = deviceMarker(row.ID)
	if err := r.container.PutDevice(ctx, dev); err != nil {
		return fmt.Errorf("registry: persist session device: %w", err)
	}
	deviceID := strconv.FormatInt(row.ID, 10)
	r.registerClient(deviceID, whatsmeow.NewClient(dev, nil))
	r.updateRow(row.ID, map[string]interface{}{"status": "provisioned"})
	zap.L().Info("registry: provisioned device", zap.String("device_id", deviceID))
	return nil
}

// Start connects every known client and blocks until ctx is cancelled, then
// disconnects them all.
func (r *Registry) Start(ctx context.Context) error {
	r.clientsMux.RLock()
	clients := make(map[string]*whatsmeow.Client, len(r.clients))
	for id, c := range r.clients {
		clients[id] = c
	}
	r.clientsMux.RUnlock()

	for id, c := range clients {
		go func(deviceID string, cli *whatsmeow.Client) {
			if err := cli.Connect(); err != nil {
				zap.L().Warn("registry: client connect failed",
					zap.String("device_id", deviceID), zap.Error(err))
			}
		}(id, c)
	}

	<-ctx.Done()
	zap.L().Info("registry: shutting down clients")
	r.clientsMux.RLock()
	defer r.clientsMux.RUnlock()
	for _, c := range r.clients {
		c.Disconnect()
	}
	return nil
}

// registerClient wires the per-client event handler and stores the client
// under its device id.
func (r *Registry) registerClient(deviceID string, client *whatsmeow.Client) {
	if client == nil {
		return
	}
	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.QR:
			if len(e.Codes) == 0 {
				return
			}
			r.qrMapMux.Lock()
			r.qrMap[deviceID] = e.Codes[0]
			r.qrMapMux.Unlock()
			zap.L().Info("registry: qr code received", zap.String("device_id", deviceID))
			r.publish(deviceID, "qr_generated")
		case *events.PairSuccess:
			r.qrMapMux.Lock()
			delete(r.qrMap, deviceID)
			r.qrMapMux.Unlock()
			zap.L().Info("registry: pairing complete", zap.String("device_id", deviceID))
			r.publish(deviceID, "authenticated")
		case *events.Connected:
			jid := client.Store.GetJID().String()
			if id, err := strconv.ParseInt(deviceID, 10, 64); err == nil {
				r.updateRow(id, map[string]interface{}{"jid": jid, "status": "connected"})
			}
			zap.L().Info("registry: device connected",
				zap.String("device_id", deviceID), zap.String("jid", jid))
			r.publish(deviceID, "connected")
		case *events.Disconnected:
			if id, err := strconv.ParseInt(deviceID, 10, 64); err == nil {
				r.updateRow(id, map[string]interface{}{"status": "disconnected"})
			}
			zap.L().Warn("registry: device disconnected", zap.String("device_id", deviceID))
			r.publish(deviceID, "disconnected")
		case *events.LoggedOut:
			if id, err := strconv.ParseInt(deviceID, 10, 64); err == nil {
				r.updateRow(id, map[string]interface{}{"jid": "", "status": "disconnected"})
			}
			zap.L().Warn("registry: device logged out", zap.String("device_id", deviceID))
			r.publish(deviceID, "disconnected")
		}
	})

	r.clientsMux.Lock()
	r.clients[deviceID] = client
	r.clientsMux.Unlock()
}

func (r *Registry) publish(deviceID, action string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(TopicDeviceActivity, deviceID, action)
}

func (r *Registry) updateRow(id int64, updates map[string]interface{}) {
	if r.db == nil {
		return
	}
	if err := r.db.Model(&domain.WhatsAppDevice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		zap.L().Warn("registry: device row update failed",
			zap.Int64("device_id", id), zap.Error(err))
	}
}

func (r *Registry) client(deviceID string) *whatsmeow.Client {
	r.clientsMux.RLock()
	defer r.clientsMux.RUnlock()
	return r.clients[deviceID]
}

// DeviceReady reports whether a device's session is connected and logged in.
func (r *Registry) DeviceReady(deviceID string) bool {
	cli := r.client(deviceID)
	return cli != nil && cli.IsConnected() && cli.IsLoggedIn()
}

// Sender returns the send capability for a device.
func (r *Registry) Sender(deviceID string) (*Sender, error) {
	cli := r.client(deviceID)
	if cli == nil {
		return nil, fmt.Errorf("registry: no client for device %s", deviceID)
	}
	return &Sender{cli: cli}, nil
}

// DeviceQR returns the pending pairing QR code for the device, empty if none.
func (r *Registry) DeviceQR(deviceID string) string {
	r.qrMapMux.RLock()
	defer r.qrMapMux.RUnlock()
	return r.qrMap[deviceID]
}

// CreateDevice persists a new application device row, provisions a session
// entry and starts pairing. Returns the device id.
func (r *Registry) CreateDevice(ctx context.Context, phone, name string) (string, error) {
	row := &domain.WhatsAppDevice{
		Phone:  phone,
		Name:   name,
		Status: "created",
	}
	if err := r.db.Create(row).Error; err != nil {
		return "", fmt.Errorf("registry: create device row: %w", err)
	}
	if err := r.provision(ctx, row); err != nil {
		return "", err
	}
	deviceID := strconv.FormatInt(row.ID, 10)
	// Auto-connect so pairing can emit a QR immediately.
	if cli := r.client(deviceID); cli != nil {
		go func() {
			if err := cli.Connect(); err != nil {
				zap.L().Warn("registry: auto-connect failed for new device",
					zap.String("device_id", deviceID), zap.Error(err))
			}
		}()
	}
	return deviceID, nil
}

// ConnectDevice triggers a non-blocking connect for the device.
func (r *Registry) ConnectDevice(deviceID string) error {
	cli := r.client(deviceID)
	if cli == nil {
		return fmt.Errorf("registry: no client for device %s", deviceID)
	}
	go func() {
		if err := cli.Connect(); err != nil {
			zap.L().Warn("registry: connect failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}()
	return nil
}

// DisconnectDevice disconnects the device's client and marks the row.
func (r *Registry) DisconnectDevice(deviceID string) error {
	cli := r.client(deviceID)
	if cli == nil {
		return fmt.Errorf("registry: no client for device %s", deviceID)
	}
	cli.Disconnect()
	if id, err := strconv.ParseInt(deviceID, 10, 64); err == nil {
		r.updateRow(id, map[string]interface{}{"status": "disconnected"})
	}
	return nil
}

// RemoveDevice deletes the application row, disconnects the client and,
// when deleteStore is set, removes the persisted session entry as well.
func (r *Registry) RemoveDevice(ctx context.Context, deviceID string, deleteStore bool) error {
	id, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil {
		return fmt.Errorf("registry: invalid device id %q", deviceID)
	}

	r.clientsMux.Lock()
	cli := r.clients[deviceID]
	delete(r.clients, deviceID)
	r.clientsMux.Unlock()
	if cli != nil {
		cli.Disconnect()
	}

	if deleteStore {
		stored, err := r.container.GetAllDevices(ctx)
		if err != nil {
			return fmt.Errorf("registry: list stored sessions: %w", err)
		}
		marker := deviceMarker(id)
		for _, d := range stored {
			if d == nil || d.BusinessName != marker {
				continue
			}
			if err := r.container.DeleteDevice(ctx, d); err != nil {
				return fmt.Errorf("registry: delete stored session: %w", err)
			}
			zap.L().Info("registry: deleted stored session", zap.String("device_id", deviceID))
		}
	}

	if err := r.db.Delete(&domain.WhatsAppDevice{}, id).Error; err != nil {
		return fmt.Errorf("registry: delete device row: %w", err)
	}
	zap.L().Info("registry: device removed", zap.String("device_id", deviceID))
	return nil
}

// ListDevices returns all application device rows.
func (r *Registry) ListDevices(ctx context.Context) ([]domain.WhatsAppDevice, error) {
	var rows []domain.WhatsAppDevice
	if err := r.db.WithContext(ctx).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	return rows, nil
}
