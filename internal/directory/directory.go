// Package directory defines the boundary to the backend's organization,
// location, terminal, and address records. Record creation is plain
// single-row inserts on the provider side; the session core only depends on
// the boolean authorization contract, so everything here is an interface
// plus a thin provider-backed authorizer.
package directory

import (
	"context"

	"github.com/tillworks/posterm/internal/identity"
	"github.com/tillworks/posterm/pkg/idx"
)

type Organization struct {
	ID   idx.ID `json:"id"`
	Name string `json:"name"`
}

type Address struct {
	ID       idx.ID `json:"id"`
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

type Location struct {
	ID        idx.ID `json:"id"`
	OrgID     idx.ID `json:"org_id"`
	AddressID idx.ID `json:"address_id"`
	Name      string `json:"name"`
}

type Terminal struct {
	ID         idx.ID `json:"id"`
	LocationID idx.ID `json:"location_id"`
	Label      string `json:"label"`
}

// Directory is the record-creation surface consumed by the onboarding UI.
// Implementations live with the backend client, not here.
type Directory interface {
	CreateOrganization(ctx context.Context, org Organization) (idx.ID, error)
	CreateAddress(ctx context.Context, addr Address) (idx.ID, error)
	CreateLocation(ctx context.Context, loc Location) (idx.ID, error)
	CreateTerminal(ctx context.Context, term Terminal) (idx.ID, error)
}

// Authorizer answers the boolean authorization questions the session core
// and UI ask.
type Authorizer interface {
	// IsMember reports whether the user belongs to any organization.
	IsMember(ctx context.Context, accessToken, userID string) (bool, error)
	// HasPermission reports whether the user holds the named permission.
	HasPermission(ctx context.Context, accessToken, permission string) (bool, error)
}

// ProviderAuthorizer answers authorization questions through the identity
// provider's generic query capability.
type ProviderAuthorizer struct {
	Provider identity.Provider
}

func (a *ProviderAuthorizer) IsMember(ctx context.Context, accessToken, userID string) (bool, error) {
	result, err := a.Provider.Query(ctx, accessToken, identity.QueryRequest{
		Resource: "org_memberships",
		Filter:   map[string]string{"user_id": userID},
		Count:    true,
	})
	if err != nil {
		return false, err
	}
	return result.Count > 0, nil
}

func (a *ProviderAuthorizer) HasPermission(ctx context.Context, accessToken, permission string) (bool, error) {
	result, err := a.Provider.Query(ctx, accessToken, identity.QueryRequest{
		Resource: "permissions",
		Filter:   map[string]string{"permission": permission},
		Count:    true,
	})
	if err != nil {
		return false, err
	}
	return result.Count > 0, nil
}
