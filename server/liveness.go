package main

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// LivenessTracker classifies clients online or offline from heartbeat
// recency. Status is derived at read time; there is no event stream.
type LivenessTracker struct {
	db             *gorm.DB
	offlineTimeout time.Duration
}

func NewLivenessTracker(db *gorm.DB, offlineTimeout time.Duration) *LivenessTracker {
	if offlineTimeout <= 0 {
		offlineTimeout = 2 * time.Minute
	}
	return &LivenessTracker{db: db, offlineTimeout: offlineTimeout}
}

// Heartbeat upserts the single row for a client, refreshing last_seen.
func (t *LivenessTracker) Heartbeat(hb *protocol.HeartbeatRequest) error {
	raw, err := json.Marshal(hb.Interfaces)
	if err != nil {
		return err
	}
	row := HeartbeatRow{
		ClientID:      hb.ClientID,
		Hostname:      hb.Hostname,
		InterfacesRaw: string(raw),
		AgentVersion:  hb.AgentVersion,
		LastSeen:      time.Now().UTC(),
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "interfaces_raw", "agent_version", "last_seen"}),
	}).Create(&row).Error
}

// IsOnline reports whether clientID has heartbeaten within the window.
func (t *LivenessTracker) IsOnline(clientID string) bool {
	var row HeartbeatRow
	if err := t.db.Where("client_id = ?", clientID).First(&row).Error; err != nil {
		return false
	}
	return time.Since(row.LastSeen) < t.offlineTimeout
}

// List returns the derived status of every client that has ever
// heartbeaten.
func (t *LivenessTracker) List() ([]protocol.ClientStatus, error) {
	var rows []HeartbeatRow
	if err := t.db.Order("client_id").Find(&rows).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]protocol.ClientStatus, 0, len(rows))
	for _, row := range rows {
		since := now.Sub(row.LastSeen)
		status := protocol.ClientOnline
		if since >= t.offlineTimeout {
			status = protocol.ClientOffline
		}

		interfaces := map[string]string{}
		if row.InterfacesRaw != "" {
			// Ignore decode failures; metadata is best effort.
			_ = json.Unmarshal([]byte(row.InterfacesRaw), &interfaces)
		}

		out = append(out, protocol.ClientStatus{
			ClientID:              row.ClientID,
			Status:                status,
			LastSeen:              row.LastSeen,
			SecondsSinceHeartbeat: since.Seconds(),
			Hostname:              row.Hostname,
			Interfaces:            interfaces,
		})
	}
	return out, nil
}
