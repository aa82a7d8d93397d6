package account

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// secretDigest is the stored form of a password. Plaintext never lives in
// the directory.
func secretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

type user struct {
	Username string
	Secret   string // sha256 digest, hex
	Role     string
	Bio      string
	Avatar   string
	Tag      string
	Color    string
	JoinDate string
}

// Directory is the in-memory Service implementation. It seeds a single
// owner account on construction, mirroring a fresh deployment.
type Directory struct {
	mu      sync.RWMutex
	users   map[string]*user
	records map[string][]Record // key: kind + "/" + owner

	// OnlineFn reports whether a username currently holds a live presence
	// binding. Wired by the server; nil means everyone reads as offline.
	OnlineFn func(username string) bool
}

// Record is one flat bookkeeping entry (note, sticker, shop item).
type Record struct {
	ID      string          `json:"id"`
	Created time.Time       `json:"created"`
	Payload json.RawMessage `json:"payload"`
}

// NewDirectory creates a directory seeded with the given owner account.
func NewDirectory(ownerName, ownerSecret string) *Directory {
	d := &Directory{
		users:   make(map[string]*user),
		records: make(map[string][]Record),
	}
	d.users[ownerName] = &user{
		Username: ownerName,
		Secret:   secretDigest(ownerSecret),
		Role:     RoleOwner,
		Bio:      "System Administrator",
		JoinDate: time.Now().UTC().Format(time.RFC3339),
	}
	return d
}

func (d *Directory) Authenticate(username, secret string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[username]
	if !ok || u.Secret != secretDigest(secret) {
		return Identity{}, ErrInvalidCredentials
	}
	return identityOf(u), nil
}

func (d *Directory) Authorize(actor Identity, action string) bool {
	switch action {
	case "moderate", "pin", "kick":
		return actor.Role == RoleOwner || actor.Role == RoleAdmin
	case "role":
		return actor.Role == RoleOwner
	default:
		return true
	}
}

func (d *Directory) LookupDisplayMeta(username string) DisplayMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[username]
	if !ok {
		return DisplayMeta{Role: RoleMember}
	}
	return DisplayMeta{Role: u.Role, Tag: u.Tag, Color: u.Color}
}

func (d *Directory) Register(username, secret string) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.users[username]; exists {
		return Identity{}, ErrUserExists
	}
	u := &user{
		Username: username,
		Secret:   secretDigest(secret),
		Role:     RoleMember,
		JoinDate: time.Now().UTC().Format(time.RFC3339),
	}
	d.users[username] = u
	return identityOf(u), nil
}

func (d *Directory) Members() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]Member, 0, len(d.users))
	for _, u := range d.users {
		online := false
		if d.OnlineFn != nil {
			online = d.OnlineFn(u.Username)
		}
		members = append(members, Member{
			Username: u.Username,
			Role:     u.Role,
			Bio:      u.Bio,
			Avatar:   u.Avatar,
			JoinDate: u.JoinDate,
			Online:   online,
		})
	}
	return members
}

func (d *Directory) UpdateProfile(username string, update ProfileUpdate) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[username]
	if !ok {
		return Identity{}, ErrUserNotFound
	}

	if update.Bio != nil {
		u.Bio = *update.Bio
	}
	if update.Avatar != nil {
		u.Avatar = *update.Avatar
	}
	if update.Tag != nil {
		u.Tag = *update.Tag
	}
	if update.Color != nil {
		u.Color = *update.Color
	}
	if update.NewUsername != nil && *update.NewUsername != username {
		if _, taken := d.users[*update.NewUsername]; taken {
			return Identity{}, ErrUserExists
		}
		u.Username = *update.NewUsername
		d.users[u.Username] = u
		delete(d.users, username)
	}

	return identityOf(u), nil
}

func (d *Directory) SetRole(actor, target, newRole string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if RoleRank(newRole) == 0 {
		return fmt.Errorf("unknown role %q", newRole)
	}
	a, ok := d.users[actor]
	if !ok || a.Role != RoleOwner {
		return ErrPermissionDenied
	}
	t, ok := d.users[target]
	if !ok {
		return ErrUserNotFound
	}
	if t.Role == RoleOwner {
		return ErrPermissionDenied
	}
	t.Role = newRole
	return nil
}

// ResetSecret replaces a member's password on their behalf. Only owners
// and admins may reset, and only for accounts they outrank.
func (d *Directory) ResetSecret(actor, target, newSecret string) error {
	if newSecret == "" {
		return fmt.Errorf("new secret cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.users[actor]
	if !ok || (a.Role != RoleOwner && a.Role != RoleAdmin) {
		return ErrPermissionDenied
	}
	t, ok := d.users[target]
	if !ok {
		return ErrUserNotFound
	}
	if RoleRank(a.Role) <= RoleRank(t.Role) {
		return ErrPermissionDenied
	}
	t.Secret = secretDigest(newSecret)
	return nil
}

func (d *Directory) Records(kind, owner string) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	src := d.records[kind+"/"+owner]
	out := make([]Record, len(src))
	copy(out, src)
	return out
}

func (d *Directory) SaveRecord(kind, owner string, payload []byte) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := Record{
		ID:      uuid.NewString(),
		Created: time.Now().UTC(),
		Payload: append(json.RawMessage(nil), payload...),
	}
	key := kind + "/" + owner
	d.records[key] = append(d.records[key], rec)
	return rec, nil
}

func (d *Directory) DeleteRecord(kind, owner, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := kind + "/" + owner
	for i, rec := range d.records[key] {
		if rec.ID == id {
			d.records[key] = append(d.records[key][:i], d.records[key][i+1:]...)
			return nil
		}
	}
	return ErrRecordNotFound
}

func identityOf(u *user) Identity {
	return Identity{
		Username: u.Username,
		Role:     u.Role,
		Bio:      u.Bio,
		Avatar:   u.Avatar,
		JoinDate: u.JoinDate,
	}
}
