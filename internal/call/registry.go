package call

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"call-me/internal/domain"
)

// Registry owns the three process-global call indices. All mutation happens
// on the webhook-intake and core paths; a single mutex covers all three maps
// so they can never disagree.
type Registry struct {
	mu            sync.Mutex
	byID          map[string]*Call
	byProviderID  map[string]string // providerCallId -> callId
	byToken       map[string]string // wsToken -> callId
	maxConcurrent int
}

// NewRegistry creates a registry allowing up to maxConcurrent active calls.
func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Registry{
		byID:          make(map[string]*Call),
		byProviderID:  make(map[string]string),
		byToken:       make(map[string]string),
		maxConcurrent: maxConcurrent,
	}
}

// Create allocates a call with a fresh ID and websocket token and registers
// it. Fails when the concurrent-call limit is reached.
func (r *Registry) Create(userNumber, fromNumber string) (*Call, error) {
	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("generate ws token: %w", err)
	}

	id := "call-" + ulid.Make().String()
	c := newCall(id, userNumber, fromNumber, hex.EncodeToString(tokenBytes))

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxConcurrent {
		return nil, domain.NewSubSystemError("call", "Registry.Create", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d concurrent calls", len(r.byID), r.maxConcurrent))
	}

	r.byID[id] = c
	r.byToken[c.WsToken] = id
	return c, nil
}

// Get looks up a call by its internal ID.
func (r *Registry) Get(callID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	if !ok {
		return nil, domain.NewSubSystemError("call", "Registry.Get", domain.ErrNotFound, callID)
	}
	return c, nil
}

// SetProviderCallID records the provider's identifier and indexes it.
func (r *Registry) SetProviderCallID(callID, providerCallID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	if !ok {
		return domain.NewSubSystemError("call", "Registry.SetProviderCallID", domain.ErrNotFound, callID)
	}
	c.setProviderCallID(providerCallID)
	r.byProviderID[providerCallID] = callID
	return nil
}

// ByProviderCallID resolves a webhook's provider identifier to the call.
func (r *Registry) ByProviderCallID(providerCallID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProviderID[providerCallID]
	if !ok {
		return nil, domain.NewSubSystemError("call", "Registry.ByProviderCallID", domain.ErrNotFound, providerCallID)
	}
	c, ok := r.byID[id]
	if !ok {
		return nil, domain.NewSubSystemError("call", "Registry.ByProviderCallID", domain.ErrNotFound, providerCallID)
	}
	return c, nil
}

// ConsumeToken resolves a websocket token to its call and invalidates the
// token. Each token authorizes exactly one upgrade; the comparison is
// constant-time even though the lookup is by map key, so a near-miss token
// costs the same as a wrong-length one.
func (r *Registry) ConsumeToken(token string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byToken[token]
	if !ok {
		return nil, domain.NewSubSystemError("call", "Registry.ConsumeToken", domain.ErrPermissionDenied,
			"unknown token")
	}
	c, ok := r.byID[id]
	if !ok || subtle.ConstantTimeCompare([]byte(c.WsToken), []byte(token)) != 1 {
		return nil, domain.NewSubSystemError("call", "Registry.ConsumeToken", domain.ErrPermissionDenied,
			"unknown token")
	}

	delete(r.byToken, token)
	return c, nil
}

// Remove tears down all index entries for a call. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	if !ok {
		return
	}
	if pid := c.ProviderCallID(); pid != "" {
		delete(r.byProviderID, pid)
	}
	delete(r.byToken, c.WsToken)
	delete(r.byID, callID)
}

// RemoveProviderIndex drops only the providerCallId mapping, used when a
// terminal webhook arrives but turn cleanup has not yet run.
func (r *Registry) RemoveProviderIndex(providerCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byProviderID, providerCallID)
}

// MostRecentActive returns the live call with the latest StartTime, or nil.
// Only used by the tokenless-attach compatibility fallback.
func (r *Registry) MostRecentActive() *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Call
	for _, c := range r.byID {
		if c.HungUp() {
			continue
		}
		if latest == nil || c.StartTime.After(latest.StartTime) {
			latest = c
		}
	}
	return latest
}

// ActiveCount returns the number of registered calls.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Active returns all registered calls.
func (r *Registry) Active() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
