package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaycore/dispatchcore/internal/store"
)

// indexEntry is one row of the accounts.json index: just enough to list
// identities without reading every per-account file.
type indexEntry struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// onDiskRecord is the accounts/{id}.json shape. RefreshToken is encrypted at
// rest via Crypto; every other field is plaintext, matching what the pool
// needs to reconstruct an Account on load.
type onDiskRecord struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	DisplayName      string            `json:"display_name"`
	AccessToken      string            `json:"access_token"`
	RefreshToken     string            `json:"refresh_token_enc"`
	ExpiresAt        time.Time         `json:"expires_at"`
	ProjectID        string            `json:"project_id"`
	SessionID        string            `json:"session_id"`
	SubscriptionTier string            `json:"subscription_tier"`
	QuotaSnapshot    []store.QuotaEntry `json:"quota_snapshot,omitempty"`
	Disabled         bool              `json:"disabled"`
	DisabledReason   string            `json:"disabled_reason,omitempty"`
	DisabledAt       *time.Time        `json:"disabled_at,omitempty"`
	ProxyDisabled    bool              `json:"proxy_disabled"`
	ProxyURL         string            `json:"proxy_url,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
}

// FileRepo is the default store.AccountRepository: identity records as
// individual JSON files under dir/accounts/{id}.json, plus an accounts.json
// index for cheap listing. Refresh tokens are AES-256-CBC encrypted at rest
// via Crypto; every other field is stored as plaintext JSON.
type FileRepo struct {
	dir    string
	crypto *Crypto

	mu sync.Mutex
}

// NewFileRepo builds a FileRepo rooted at dir, creating dir/accounts if it
// doesn't already exist.
func NewFileRepo(dir string, crypto *Crypto) (*FileRepo, error) {
	if err := os.MkdirAll(filepath.Join(dir, "accounts"), 0o700); err != nil {
		return nil, fmt.Errorf("filerepo: create accounts dir: %w", err)
	}
	return &FileRepo{dir: dir, crypto: crypto}, nil
}

func (r *FileRepo) indexPath() string       { return filepath.Join(r.dir, "accounts.json") }
func (r *FileRepo) recordPath(id string) string {
	return filepath.Join(r.dir, "accounts", id+".json")
}

// Load reads every record listed in the index. A record file missing from
// disk is skipped rather than failing the whole load, since an operator may
// have hand-deleted one.
func (r *FileRepo) Load(ctx context.Context) ([]store.AccountRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}

	records := make([]store.AccountRecord, 0, len(idx))
	for _, entry := range idx {
		data, err := os.ReadFile(r.recordPath(entry.ID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("filerepo: read %s: %w", entry.ID, err)
		}
		var onDisk onDiskRecord
		if err := json.Unmarshal(data, &onDisk); err != nil {
			return nil, fmt.Errorf("filerepo: parse %s: %w", entry.ID, err)
		}
		records = append(records, r.decode(onDisk))
	}
	return records, nil
}

// Save writes one record's file and refreshes its index entry, encrypting
// the refresh token with a per-account salt before it touches disk.
func (r *FileRepo) Save(ctx context.Context, rec store.AccountRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	onDisk, err := r.encode(rec)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("filerepo: marshal %s: %w", rec.ID, err)
	}
	if err := os.WriteFile(r.recordPath(rec.ID), data, 0o600); err != nil {
		return fmt.Errorf("filerepo: write %s: %w", rec.ID, err)
	}

	idx, err := r.readIndex()
	if err != nil {
		return err
	}
	found := false
	for i, e := range idx {
		if e.ID == rec.ID {
			idx[i] = indexEntry{ID: rec.ID, Email: rec.Email, Name: rec.DisplayName, CreatedAt: rec.CreatedAt, LastUsedAt: rec.LastUsedAt}
			found = true
			break
		}
	}
	if !found {
		idx = append(idx, indexEntry{ID: rec.ID, Email: rec.Email, Name: rec.DisplayName, CreatedAt: rec.CreatedAt, LastUsedAt: rec.LastUsedAt})
	}
	return r.writeIndex(idx)
}

// Delete removes a record's file and index entry.
func (r *FileRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filerepo: remove %s: %w", id, err)
	}
	idx, err := r.readIndex()
	if err != nil {
		return err
	}
	next := idx[:0]
	for _, e := range idx {
		if e.ID != id {
			next = append(next, e)
		}
	}
	return r.writeIndex(next)
}

func (r *FileRepo) readIndex() ([]indexEntry, error) {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filerepo: read index: %w", err)
	}
	var idx []indexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("filerepo: parse index: %w", err)
	}
	return idx, nil
}

func (r *FileRepo) writeIndex(idx []indexEntry) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("filerepo: marshal index: %w", err)
	}
	if err := os.WriteFile(r.indexPath(), data, 0o600); err != nil {
		return fmt.Errorf("filerepo: write index: %w", err)
	}
	return nil
}

func (r *FileRepo) salt(id string) string { return "refresh_token:" + id }

func (r *FileRepo) encode(rec store.AccountRecord) (onDiskRecord, error) {
	encRefresh := rec.RefreshToken
	if r.crypto != nil && rec.RefreshToken != "" {
		enc, err := r.crypto.Encrypt(rec.RefreshToken, r.salt(rec.ID))
		if err != nil {
			return onDiskRecord{}, fmt.Errorf("filerepo: encrypt refresh token: %w", err)
		}
		encRefresh = enc
	}
	return onDiskRecord{
		ID:               rec.ID,
		Email:            rec.Email,
		DisplayName:      rec.DisplayName,
		AccessToken:      rec.AccessToken,
		RefreshToken:     encRefresh,
		ExpiresAt:        rec.ExpiresAt,
		ProjectID:        rec.ProjectID,
		SessionID:        rec.SessionID,
		SubscriptionTier: rec.SubscriptionTier,
		QuotaSnapshot:    rec.QuotaSnapshot,
		Disabled:         rec.Disabled,
		DisabledReason:   rec.DisabledReason,
		DisabledAt:       rec.DisabledAt,
		ProxyDisabled:    rec.ProxyDisabled,
		ProxyURL:         rec.ProxyURL,
		CreatedAt:        rec.CreatedAt,
		LastUsedAt:       rec.LastUsedAt,
	}, nil
}

func (r *FileRepo) decode(onDisk onDiskRecord) store.AccountRecord {
	refresh := onDisk.RefreshToken
	if r.crypto != nil && refresh != "" {
		if dec, err := r.crypto.Decrypt(refresh, r.salt(onDisk.ID)); err == nil {
			refresh = dec
		}
	}
	return store.AccountRecord{
		ID:               onDisk.ID,
		Email:            onDisk.Email,
		DisplayName:      onDisk.DisplayName,
		AccessToken:      onDisk.AccessToken,
		RefreshToken:     refresh,
		ExpiresAt:        onDisk.ExpiresAt,
		ProjectID:        onDisk.ProjectID,
		SessionID:        onDisk.SessionID,
		SubscriptionTier: onDisk.SubscriptionTier,
		QuotaSnapshot:    onDisk.QuotaSnapshot,
		Disabled:         onDisk.Disabled,
		DisabledReason:   onDisk.DisabledReason,
		DisabledAt:       onDisk.DisabledAt,
		ProxyDisabled:    onDisk.ProxyDisabled,
		ProxyURL:         onDisk.ProxyURL,
		CreatedAt:        onDisk.CreatedAt,
		LastUsedAt:       onDisk.LastUsedAt,
	}
}
