package user

import (
	"context"
	"testing"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LookupByUsername(ctx, "bob@example.com")
	assert.ErrorIs(err, errs.ErrNotFound)

	uid, err := s.Create(ctx, Fields{
		Username:      "bob@example.com",
		Email:         "bob@example.com",
		Active:        true,
		DefaultGroups: []string{"Members"},
		Groups:        []string{"Staff"},
		GroupsParent:  "Directory",
	})
	require.NoError(err)

	_, err = s.Create(ctx, Fields{Username: "bob@example.com"})
	assert.ErrorContains(err, "already exists")

	got, err := s.LookupByUsername(ctx, "bob@example.com")
	require.NoError(err)
	assert.Equal(uid, got.ID)
	assert.Equal([]string{"Members", "Staff"}, got.Groups)

	member, err := s.IsMember(ctx, uid, []string{"staff"})
	require.NoError(err)
	assert.True(member)
	member, err = s.IsMember(ctx, uid, []string{"Administrator"})
	require.NoError(err)
	assert.False(member)

	require.NoError(s.Login(ctx, LoginRequest{Username: "bob@example.com", Password: "pw", LoginContext: "web"}))
	assert.True(s.CheckPassword("bob@example.com", "pw"))
	assert.False(s.CheckPassword("bob@example.com", "other"))
	require.NoError(s.AddSessionContext(ctx, uid, "mgr"))
	assert.Equal([]string{"mgr", "web"}, s.SessionContexts(uid))

	require.NoError(s.SaveExtension(ctx, Extension{UserID: uid, Claims: map[string]interface{}{"sub": "x"}}))
	_, ok := s.Extension(uid)
	assert.True(ok)

	require.NoError(s.Delete(ctx, uid))
	_, ok = s.Extension(uid)
	assert.False(ok)
	assert.Equal(0, s.Len())
	assert.Error(s.Delete(ctx, uid))
}

func TestMemoryStore_validation(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemoryStore()

	// every problem is reported at once
	err := s.Update(ctx, Fields{Email: "not-an-email", Groups: []string{"Staff"}})
	assert.ErrorContains(err, "id is empty")
	assert.ErrorContains(err, "username is empty")
	assert.ErrorContains(err, `email "not-an-email" is invalid`)
	assert.ErrorContains(err, "groups parent is empty")

	uid, err := s.Create(context.Background(), Fields{Username: "carol@example.com"})
	assert.NoError(err)
	err = s.Login(ctx, LoginRequest{Username: "carol@example.com"})
	assert.ErrorContains(err, "user is inactive")
	assert.ErrorContains(err, "password is empty")
	assert.Empty(s.SessionContexts(uid))
}

func TestMergeGroups(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal([]string{"a", "b", "c"}, mergeGroups([]string{"a", "b"}, []string{"b", "", "c"}))
	assert.Empty(mergeGroups(nil, nil))
}

func TestFields_String(t *testing.T) {
	t.Parallel()
	f := Fields{Username: "u", Groups: []string{"a", "b"}, GroupsParent: "p"}
	assert.Equal(t, "a,b", f.FlattenedGroups())
	assert.Contains(t, f.String(), `groups="a,b"`)
	assert.Contains(t, f.String(), `groups_parent="p"`)
}

func TestProviderProfile_Fullname(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  map[string]interface{}
		want string
	}{
		{name: "given-and-surname", raw: map[string]interface{}{"givenName": "Alice", "surname": "Doe", "displayName": "A. Doe"}, want: "Alice Doe"},
		{name: "given-only", raw: map[string]interface{}{"givenName": "Alice"}, want: "Alice"},
		{name: "display-name", raw: map[string]interface{}{"displayName": "A. Doe"}, want: "A. Doe"},
		{name: "empty", raw: map[string]interface{}{}, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NewProviderProfile(tt.raw).Fullname())
		})
	}
}
