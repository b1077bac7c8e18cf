package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillworks/posterm/internal/directory"
	"github.com/tillworks/posterm/internal/identity/identitytest"
)

func TestProviderAuthorizerIsMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := identitytest.New()
	auth := &directory.ProviderAuthorizer{Provider: provider}

	provider.AddUser("member@example.com", "opensesame", "org-1", "org-2")
	provider.AddUser("loner@example.com", "opensesame")

	memberGrant, err := provider.SignInPassword(ctx, "member@example.com", "opensesame")
	require.NoError(t, err)
	lonerGrant, err := provider.SignInPassword(ctx, "loner@example.com", "opensesame")
	require.NoError(t, err)

	ok, err := auth.IsMember(ctx, memberGrant.AccessToken, memberGrant.User.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = auth.IsMember(ctx, lonerGrant.AccessToken, lonerGrant.User.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProviderAuthorizerHasPermission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := identitytest.New()
	auth := &directory.ProviderAuthorizer{Provider: provider}

	provider.AddUser("manager@example.com", "opensesame", "org-1")
	grant, err := provider.SignInPassword(ctx, "manager@example.com", "opensesame")
	require.NoError(t, err)

	require.NoError(t, provider.UpdateUserAttributes(ctx, grant.AccessToken, map[string]any{
		"permissions": []string{"refunds.issue", "tills.open"},
	}))

	ok, err := auth.HasPermission(ctx, grant.AccessToken, "refunds.issue")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = auth.HasPermission(ctx, grant.AccessToken, "stock.adjust")
	require.NoError(t, err)
	require.False(t, ok)
}
