package domain

import "strings"

// Identity names the owner of a cart: an authenticated user or an anonymous session token.
type Identity struct {
	Username  string
	AnonToken string
}

func UserIdentity(username string) Identity {
	return Identity{Username: username}
}

func AnonymousIdentity(token string) Identity {
	return Identity{AnonToken: token}
}

func (i Identity) IsAnonymous() bool {
	return i.Username == ""
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(i.Username) != "" || strings.TrimSpace(i.AnonToken) != ""
}

// OwnerKey is the storage key of the identity's cart.
func (i Identity) OwnerKey() string {
	if i.IsAnonymous() {
		return "anon:" + i.AnonToken
	}
	return "user:" + i.Username
}

func (i Identity) String() string {
	return i.OwnerKey()
}
