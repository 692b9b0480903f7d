package file

import "github.com/openclaw/openclaw/internal/pairing"

// PairingStore adapts *pairing.Service to the store.PairingStore interface,
// mirroring CronStore's thin-adapter-over-package-service shape.
type PairingStore struct {
	svc *pairing.Service
}

// NewFilePairingStore wraps an already-opened pairing service.
func NewFilePairingStore(svc *pairing.Service) *PairingStore {
	return &PairingStore{svc: svc}
}

func (s *PairingStore) RequestPairing(senderID, channel, chatID, agentID string) (string, error) {
	return s.svc.RequestPairing(senderID, channel, chatID, agentID)
}

func (s *PairingStore) IsPaired(userID, channel string) bool {
	return s.svc.IsPaired(userID, channel)
}

// Service exposes the underlying pairing service for admin operations
// (approve/reject/list) that aren't part of the narrow store.PairingStore
// contract consumed by channel adapters.
func (s *PairingStore) Service() *pairing.Service { return s.svc }
