package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// CredentialStore issues and verifies the two credential kinds: admin
// API keys (stored hashed) and per-client secret keys (stored
// recoverable, since the coordinator signs envelopes with them).
type CredentialStore struct {
	db     *gorm.DB
	hasher TokenHasher
	audit  *AuditLog

	// bootstrapMu serializes the one-time first-admin gate.
	bootstrapMu sync.Mutex
}

func NewCredentialStore(db *gorm.DB, hasher TokenHasher, audit *AuditLog) *CredentialStore {
	return &CredentialStore{db: db, hasher: hasher, audit: audit}
}

// Bootstrap creates the very first admin. Once any admin exists the
// gate is closed for good; further admins come from CreateAdmin.
func (s *CredentialStore) Bootstrap(displayName string) (adminID, apiKey string, err error) {
	s.bootstrapMu.Lock()
	defer s.bootstrapMu.Unlock()

	var count int64
	if err := s.db.Model(&Admin{}).Count(&count).Error; err != nil {
		return "", "", err
	}
	if count > 0 {
		return "", "", protocol.Errf(protocol.CodeAlreadyInitialized, "an admin already exists")
	}
	return s.createAdmin(displayName, actionAdminBootstrap, "bootstrap")
}

// CreateAdmin issues a new admin credential on behalf of an existing,
// already-authenticated admin.
func (s *CredentialStore) CreateAdmin(displayName, byAdminID string) (adminID, apiKey string, err error) {
	return s.createAdmin(displayName, actionAdminCreate, byAdminID)
}

func (s *CredentialStore) createAdmin(displayName, action, actor string) (string, string, error) {
	apiKey, err := auth.GenerateSecret()
	if err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	nonce, err := auth.GenerateNonce()
	if err != nil {
		return "", "", err
	}
	adminID := "admin-" + nonce[:12]

	record := Admin{
		AdminID:     adminID,
		DisplayName: displayName,
		KeyHash:     s.hasher.HashString(apiKey),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return "", "", err
	}

	s.mustAudit(actor, action, adminID, outcomeOK)
	return adminID, apiKey, nil
}

// VerifyAdmin resolves an API key to an admin ID. The key is looked up
// by its deterministic HMAC hash, so no plaintext comparison happens
// and the query cost does not depend on the correct key.
func (s *CredentialStore) VerifyAdmin(apiKey string) (string, error) {
	if apiKey == "" {
		return "", protocol.Errf(protocol.CodeUnauthorized, "missing admin key")
	}
	var admin Admin
	err := s.db.Where("key_hash = ?", s.hasher.HashString(apiKey)).First(&admin).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", protocol.Errf(protocol.CodeUnauthorized, "invalid admin key")
		}
		return "", err
	}
	return admin.AdminID, nil
}

// RegisterClient issues a fresh secret for clientID. An Active client
// with the same ID is a conflict; a revoked one is replaced with a new
// secret (the old one stays dead).
func (s *CredentialStore) RegisterClient(clientID, byAdminID string) (string, error) {
	if clientID == "" {
		return "", protocol.Errf(protocol.CodeInvalidParameter, "client_id is required")
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing Client
		findErr := tx.Where("client_id = ?", clientID).First(&existing).Error
		switch {
		case findErr == nil && !existing.Revoked:
			return protocol.Errf(protocol.CodeDuplicateClient, "client %q already registered", clientID)
		case findErr == nil:
			// Re-registration after revocation: new secret, active again.
			return tx.Model(&existing).Updates(map[string]any{
				"secret_key": secret,
				"revoked":    false,
				"revoked_at": nil,
				"created_at": time.Now().UTC(),
			}).Error
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			return tx.Create(&Client{
				ClientID:  clientID,
				SecretKey: secret,
				CreatedAt: time.Now().UTC(),
			}).Error
		default:
			return findErr
		}
	})
	if err != nil {
		return "", err
	}

	s.mustAudit(byAdminID, actionClientRegister, clientID, outcomeOK)
	return secret, nil
}

// RevokeClient permanently invalidates the client's current secret.
func (s *CredentialStore) RevokeClient(clientID, byAdminID string) error {
	now := time.Now().UTC()
	result := s.db.Model(&Client{}).
		Where("client_id = ? AND revoked = ?", clientID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return protocol.Errf(protocol.CodeUnknownClient, "client %q not registered", clientID)
	}

	s.mustAudit(byAdminID, actionClientRevoke, clientID, outcomeOK)
	return nil
}

// VerifyClient checks a (client_id, secret) pair in constant time with
// respect to the stored secret. Revoked clients always fail.
func (s *CredentialStore) VerifyClient(clientID, key string) error {
	secret, err := s.ClientSecret(clientID)
	if err != nil {
		// Burn a comparison so unknown IDs cost the same as bad keys.
		auth.SecureCompare(key, key)
		return protocol.Errf(protocol.CodeUnauthorized, "invalid client credentials")
	}
	if !auth.SecureCompare(key, secret) {
		return protocol.Errf(protocol.CodeUnauthorized, "invalid client credentials")
	}
	return nil
}

// ClientSecret returns the active secret for clientID, for the signing
// engine only. Never expose this through an HTTP response.
func (s *CredentialStore) ClientSecret(clientID string) (string, error) {
	var client Client
	err := s.db.Where("client_id = ? AND revoked = ?", clientID, false).First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", protocol.Errf(protocol.CodeUnknownClient, "client %q not registered", clientID)
		}
		return "", err
	}
	return client.SecretKey, nil
}

// ClientInfo is the admin-visible view of a registration.
type ClientInfo struct {
	ClientID  string     `json:"client_id"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ListClients returns every registration, secrets excluded.
func (s *CredentialStore) ListClients() ([]ClientInfo, error) {
	var clients []Client
	if err := s.db.Order("client_id").Find(&clients).Error; err != nil {
		return nil, err
	}
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, ClientInfo{
			ClientID:  c.ClientID,
			Revoked:   c.Revoked,
			CreatedAt: c.CreatedAt,
			RevokedAt: c.RevokedAt,
		})
	}
	return out, nil
}

// HasAdmins reports whether the bootstrap gate has closed.
func (s *CredentialStore) HasAdmins() (bool, error) {
	var count int64
	if err := s.db.Model(&Admin{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *CredentialStore) mustAudit(actor, action, target, outcome string) {
	if err := s.audit.Append(actor, action, target, outcome); err != nil {
		logger.Error().Err(err).Str("action", action).Msg("Failed writing audit entry")
	}
}
