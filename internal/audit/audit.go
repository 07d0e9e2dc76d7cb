// Package audit records session lifecycle and service-proxy events to a
// retained SQLite table, independent of the in-memory Session Store.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// EventType classifies the kind of session audit event.
type EventType string

const (
	EventSessionCreate    EventType = "session_create"
	EventSessionAttach    EventType = "session_attach"
	EventSessionDetach    EventType = "session_detach"
	EventSessionTerminate EventType = "session_terminate"
	EventTunnelStreamOpen EventType = "tunnel_stream_open"
	EventProxyRequest     EventType = "proxy_request"
)

// Entry is the GORM model for the session_audit_logs table.
type Entry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	SessionID string    `gorm:"index" json:"session_id"`
	User      string    `json:"user"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName overrides the GORM table name.
func (Entry) TableName() string {
	return "session_audit_logs"
}

// Auditor records session audit events to GORM-backed storage and purges
// entries past the retention window on a cron schedule.
type Auditor struct {
	db            *gorm.DB
	mu            sync.RWMutex
	retentionDays int
	cron          *cron.Cron
}

// New creates an Auditor and auto-migrates the audit table. retentionDays
// controls how long entries are kept (0 disables automatic purging).
func New(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Auditor{db: db, retentionDays: retentionDays}, nil
}

// SetRetentionDays updates the retention policy at runtime.
func (a *Auditor) SetRetentionDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retentionDays = days
}

// RetentionDays returns the current retention policy in days.
func (a *Auditor) RetentionDays() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retentionDays
}

// Log records an audit event.
func (a *Auditor) Log(eventType EventType, sessionID, user, details string) {
	entry := Entry{
		EventType: string(eventType),
		SessionID: sessionID,
		User:      user,
		Details:   details,
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("audit: failed to log event: %v", err)
	}
}

func (a *Auditor) LogSessionCreate(sessionID, user, details string) {
	a.Log(EventSessionCreate, sessionID, user, details)
}

func (a *Auditor) LogSessionAttach(sessionID, user, details string) {
	a.Log(EventSessionAttach, sessionID, user, details)
}

func (a *Auditor) LogSessionDetach(sessionID, user, details string) {
	a.Log(EventSessionDetach, sessionID, user, details)
}

func (a *Auditor) LogSessionTerminate(sessionID, user, details string) {
	a.Log(EventSessionTerminate, sessionID, user, details)
}

func (a *Auditor) LogTunnelStreamOpen(sessionID, user, details string) {
	a.Log(EventTunnelStreamOpen, sessionID, user, details)
}

func (a *Auditor) LogProxyRequest(sessionID, user, details string) {
	a.Log(EventProxyRequest, sessionID, user, details)
}

// QueryOptions controls filtering and pagination for audit log queries.
type QueryOptions struct {
	SessionID *string
	EventType *EventType
	Limit     int
	Offset    int
}

// Query returns audit entries matching the given options, newest first.
func (a *Auditor) Query(opts QueryOptions) ([]Entry, int64, error) {
	q := a.db.Model(&Entry{})
	if opts.SessionID != nil {
		q = q.Where("session_id = ?", *opts.SessionID)
	}
	if opts.EventType != nil {
		q = q.Where("event_type = ?", string(*opts.EventType))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []Entry
	err := q.Order("created_at DESC").Limit(limit).Offset(opts.Offset).Find(&entries).Error
	return entries, total, err
}

// PurgeOlderThan deletes audit entries older than the given duration,
// returning the number of entries deleted.
func (a *Auditor) PurgeOlderThan(d time.Duration) (int64, error) {
	cutoff := time.Now().Add(-d)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	return result.RowsAffected, result.Error
}

// StartRetentionCleanup schedules a daily cron job that purges entries past
// the retention window. Call Stop to end it.
func (a *Auditor) StartRetentionCleanup(ctx context.Context) {
	a.cron = cron.New()
	a.cron.AddFunc("17 3 * * *", func() {
		days := a.RetentionDays()
		if days <= 0 {
			return
		}
		deleted, err := a.PurgeOlderThan(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			log.Printf("audit: retention cleanup error: %v", err)
		} else if deleted > 0 {
			log.Printf("audit: purged %d entries older than %d days", deleted, days)
		}
	})
	a.cron.Start()

	go func() {
		<-ctx.Done()
		a.Stop()
	}()
}

// Stop halts the retention cleanup schedule, waiting for any in-flight run
// to complete.
func (a *Auditor) Stop() {
	a.mu.Lock()
	c := a.cron
	a.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
