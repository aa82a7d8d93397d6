package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectorySeedsOwner(t *testing.T) {
	d := NewDirectory("admin", "hunter2")

	id, err := d.Authenticate("admin", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, id.Role)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	d := NewDirectory("admin", "hunter2")

	_, err := d.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = d.Authenticate("nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister(t *testing.T) {
	d := NewDirectory("admin", "hunter2")

	id, err := d.Register("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, RoleMember, id.Role)

	_, err = d.Register("bob", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = d.Authenticate("bob", "pw")
	assert.NoError(t, err)
}

func TestSetRole(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)
	_, err = d.Register("carol", "pw")
	require.NoError(t, err)

	require.NoError(t, d.SetRole("admin", "bob", RoleAdmin))
	assert.Equal(t, RoleAdmin, d.LookupDisplayMeta("bob").Role)

	// Only the owner assigns roles; admins cannot.
	assert.ErrorIs(t, d.SetRole("bob", "carol", RoleAdmin), ErrPermissionDenied)
	// The owner account itself is untouchable.
	assert.ErrorIs(t, d.SetRole("admin", "admin", RoleMember), ErrPermissionDenied)
	// Unknown role names are rejected.
	assert.Error(t, d.SetRole("admin", "carol", "superuser"))

	assert.ErrorIs(t, d.SetRole("admin", "ghost", RoleAdmin), ErrUserNotFound)
}

func TestSecretsAreStoredAsDigests(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)

	assert.Equal(t, secretDigest("hunter2"), d.users["admin"].Secret)
	assert.Equal(t, secretDigest("pw"), d.users["bob"].Secret)
	assert.NotEqual(t, "pw", d.users["bob"].Secret)
}

func TestResetSecret(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)
	_, err = d.Register("carol", "pw")
	require.NoError(t, err)
	require.NoError(t, d.SetRole("admin", "bob", RoleAdmin))

	require.NoError(t, d.ResetSecret("bob", "carol", "fresh"))
	_, err = d.Authenticate("carol", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = d.Authenticate("carol", "fresh")
	assert.NoError(t, err)

	// Members cannot reset, and nobody resets an equal or higher rank.
	assert.ErrorIs(t, d.ResetSecret("carol", "bob", "x"), ErrPermissionDenied)
	assert.ErrorIs(t, d.ResetSecret("bob", "admin", "x"), ErrPermissionDenied)
	assert.ErrorIs(t, d.ResetSecret("bob", "ghost", "x"), ErrUserNotFound)
	assert.Error(t, d.ResetSecret("admin", "carol", ""))
}

func TestUpdateProfile(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)

	bio := "hello"
	tag := "PRO"
	color := "#00ff00"
	id, err := d.UpdateProfile("bob", ProfileUpdate{Bio: &bio, Tag: &tag, Color: &color})
	require.NoError(t, err)
	assert.Equal(t, "hello", id.Bio)

	meta := d.LookupDisplayMeta("bob")
	assert.Equal(t, "PRO", meta.Tag)
	assert.Equal(t, "#00ff00", meta.Color)
}

func TestUpdateProfileRename(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)
	_, err = d.Register("carol", "pw")
	require.NoError(t, err)

	taken := "carol"
	_, err = d.UpdateProfile("bob", ProfileUpdate{NewUsername: &taken})
	assert.ErrorIs(t, err, ErrUserExists)

	fresh := "robert"
	id, err := d.UpdateProfile("bob", ProfileUpdate{NewUsername: &fresh})
	require.NoError(t, err)
	assert.Equal(t, "robert", id.Username)

	_, err = d.Authenticate("robert", "pw")
	assert.NoError(t, err)
	_, err = d.Authenticate("bob", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLookupDisplayMetaUnknownUser(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	meta := d.LookupDisplayMeta("ghost")
	assert.Equal(t, RoleMember, meta.Role)
}

func TestMembersReportsPresence(t *testing.T) {
	d := NewDirectory("admin", "hunter2")
	_, err := d.Register("bob", "pw")
	require.NoError(t, err)

	d.OnlineFn = func(name string) bool { return name == "bob" }

	online := map[string]bool{}
	for _, m := range d.Members() {
		online[m.Username] = m.Online
	}
	assert.True(t, online["bob"])
	assert.False(t, online["admin"])
}

func TestRecords(t *testing.T) {
	d := NewDirectory("admin", "hunter2")

	rec, err := d.SaveRecord("notes", "bob", []byte(`{"text":"todo"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = d.SaveRecord("notes", "carol", []byte(`{"text":"other"}`))
	require.NoError(t, err)

	// Records are partitioned by kind and owner.
	assert.Len(t, d.Records("notes", "bob"), 1)
	assert.Len(t, d.Records("notes", "carol"), 1)
	assert.Empty(t, d.Records("stickers", "bob"))

	require.NoError(t, d.DeleteRecord("notes", "bob", rec.ID))
	assert.Empty(t, d.Records("notes", "bob"))

	assert.ErrorIs(t, d.DeleteRecord("notes", "bob", rec.ID), ErrRecordNotFound)
}

func TestAuthorize(t *testing.T) {
	d := NewDirectory("admin", "hunter2")

	owner := Identity{Username: "admin", Role: RoleOwner}
	member := Identity{Username: "bob", Role: RoleMember}

	assert.True(t, d.Authorize(owner, "moderate"))
	assert.True(t, d.Authorize(owner, "role"))
	assert.False(t, d.Authorize(member, "moderate"))
	assert.False(t, d.Authorize(member, "role"))
	assert.True(t, d.Authorize(member, "chat"))
}
