// Package account is the boundary to the member directory. The real-time
// core treats it as an external collaborator: it authenticates identities,
// answers authorization questions, and resolves live display metadata for
// message decoration. Everything behind the interface (credential storage,
// profiles, the shop, notes, stickers) is ordinary record bookkeeping and
// deliberately stays out of the core.
package account

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrRecordNotFound     = errors.New("record not found")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Role hierarchy is strictly owner > admin > member.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// RoleRank maps a role name to its position in the hierarchy. Unknown roles
// rank below member.
func RoleRank(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Identity is a bound display identity returned by Authenticate.
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Bio      string `json:"bio,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	JoinDate string `json:"joinDate,omitempty"`
}

// DisplayMeta is the live message decoration for a username: role, equipped
// tag and chosen name color. Resolved at send time, never cached on a
// connection, so historical messages render with the sender's then-current
// decoration.
type DisplayMeta struct {
	Role  string `json:"role"`
	Tag   string `json:"tag,omitempty"`
	Color string `json:"color,omitempty"`
}

// Member is the public listing shape for the members endpoint.
type Member struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Bio      string `json:"bio"`
	Avatar   string `json:"avatar"`
	JoinDate string `json:"joinDate"`
	Online   bool   `json:"online"`
}

// ProfileUpdate carries the mutable profile fields. Nil pointers mean
// "leave unchanged".
type ProfileUpdate struct {
	Bio         *string `json:"bio,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	NewUsername *string `json:"newUsername,omitempty"`
	Tag         *string `json:"tag,omitempty"`
	Color       *string `json:"color,omitempty"`
}

// Service is the external account collaborator contract.
type Service interface {
	Authenticate(username, secret string) (Identity, error)
	Authorize(actor Identity, action string) bool
	LookupDisplayMeta(username string) DisplayMeta

	Register(username, secret string) (Identity, error)
	Members() []Member
	UpdateProfile(username string, update ProfileUpdate) (Identity, error)
	SetRole(actor, target, newRole string) error
	ResetSecret(actor, target, newSecret string) error

	// Records is the flat store behind the notes/stickers/shop surface.
	Records(kind, owner string) []Record
	SaveRecord(kind, owner string, payload []byte) (Record, error)
	DeleteRecord(kind, owner, id string) error
}
