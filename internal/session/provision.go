package session

import (
	"context"
	"strings"

	"github.com/roach88/optisync/internal/syncerr"
)

// DefaultMemberCode is the placeholder code given to provisioned profiles.
const DefaultMemberCode = "0000"

// DefaultProfile builds the profile provisioned for a principal on first
// sign-in. The name comes from the identity metadata ("full_name", then
// "name"), falling back to the local part of the email.
func DefaultProfile(id Identity) Profile {
	return Profile{
		ID:         id.ID,
		Name:       displayName(id),
		Role:       DefaultRole,
		MemberCode: DefaultMemberCode,
	}
}

func displayName(id Identity) string {
	for _, key := range []string{"full_name", "name"} {
		if s, ok := id.Metadata[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	if local, _, _ := strings.Cut(id.Email, "@"); local != "" {
		return local
	}
	return "member"
}

// Provision creates the default profile for id.
func Provision(ctx context.Context, profiles ProfileStore, id Identity) (Profile, error) {
	p, err := profiles.CreateProfile(ctx, DefaultProfile(id))
	if err != nil {
		return Profile{}, syncerr.Wrap("profile.provision", id.ID, err)
	}
	return p, nil
}
