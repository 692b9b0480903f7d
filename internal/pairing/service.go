// Package pairing implements the channel-pairing approval flow: an
// unrecognized sender on a chat channel is issued a short code, which the
// instance owner approves out-of-band (CLI) to grant that sender access.
//
// Grounded on internal/store/file's cron store: the same atomic-replace
// JSON file (temp file + os.Rename) backs persistence here.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// codeAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
const codeLength = 6

// expiry bounds how long an unapproved pairing code stays pending.
const expiry = 24 * time.Hour

// Request is one pending or resolved pairing request.
type Request struct {
	Code        string    `json:"code"`
	SenderID    string    `json:"senderId"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chatId"`
	AgentID     string    `json:"agentId"`
	CreatedAt   time.Time `json:"createdAt"`
	ApprovedAt  time.Time `json:"approvedAt,omitempty"`
}

type fileSchema struct {
	Version int                  `json:"version"`
	Pending map[string]*Request  `json:"pending"`
	Paired  map[string]time.Time `json:"paired"` // key: channel+":"+senderID
}

// Service is the atomic-file-backed pairing service.
type Service struct {
	mu      sync.Mutex
	path    string
	pending map[string]*Request  // code -> request
	paired  map[string]time.Time // channel:senderID -> approvedAt
}

// NewService opens (or creates) the pairing store at path.
func NewService(path string) *Service {
	s := &Service{path: path, pending: map[string]*Request{}, paired: map[string]time.Time{}}
	s.load()
	return s
}

func (s *Service) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var f fileSchema
	if err := json.Unmarshal(b, &f); err != nil {
		return
	}
	if f.Pending != nil {
		s.pending = f.Pending
	}
	if f.Paired != nil {
		s.paired = f.Paired
	}
}

func (s *Service) saveLocked() error {
	f := fileSchema{Version: 1, Pending: s.pending, Paired: s.paired}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func pairKey(channel, senderID string) string {
	return channel + ":" + senderID
}

// RequestPairing issues a new pairing code for senderID on the given
// channel/chat, unless that sender is already paired.
func (s *Service) RequestPairing(senderID, channel, chatID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paired[pairKey(channel, senderID)]; ok {
		return "", fmt.Errorf("pairing: %s on %s is already paired", senderID, channel)
	}

	// Reuse an existing non-expired code for the same sender/channel instead
	// of minting a fresh one on every retry.
	now := time.Now()
	for _, req := range s.pending {
		if req.SenderID == senderID && req.Channel == channel && now.Sub(req.CreatedAt) < expiry {
			return req.Code, nil
		}
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	s.pending[code] = &Request{
		Code: code, SenderID: senderID, Channel: channel, ChatID: chatID,
		AgentID: agentID, CreatedAt: now,
	}
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return code, nil
}

// IsPaired reports whether userID on channel has an approved pairing.
func (s *Service) IsPaired(userID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paired[pairKey(channel, userID)]
	return ok
}

// Approve resolves a pending code, granting that sender access. Returns the
// resolved request so the caller can notify the sender's chat.
func (s *Service) Approve(code string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[code]
	if !ok {
		return Request{}, fmt.Errorf("pairing: unknown code %q", code)
	}
	req.ApprovedAt = time.Now()
	s.paired[pairKey(req.Channel, req.SenderID)] = req.ApprovedAt
	delete(s.pending, code)
	if err := s.saveLocked(); err != nil {
		return Request{}, err
	}
	return *req, nil
}

// Reject discards a pending code without granting access.
func (s *Service) Reject(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[code]; !ok {
		return fmt.Errorf("pairing: unknown code %q", code)
	}
	delete(s.pending, code)
	return s.saveLocked()
}

// ListPending returns all outstanding (non-expired) pairing requests.
func (s *Service) ListPending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]Request, 0, len(s.pending))
	for _, req := range s.pending {
		if now.Sub(req.CreatedAt) < expiry {
			out = append(out, *req)
		}
	}
	return out
}

func generateCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, v := range b {
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(out), nil
}
