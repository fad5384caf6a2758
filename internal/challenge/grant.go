package challenge

import (
	"sync/atomic"
	"time"
)

// AccessGrant is the capability to fetch one result's PDF. It is only obtainable from a
// controller in SUCCESS and stops being valid when that controller is closed.
// The zero value is never valid.
type AccessGrant struct {
	g *grant
}

type grant struct {
	resultID  string
	reference string
	token     string
	grantedAt time.Time
	revoked   atomic.Bool
}

func newGrant(resultID, reference, token string, at time.Time) *grant {
	return &grant{resultID: resultID, reference: reference, token: token, grantedAt: at}
}

// Valid reports whether the grant may still be used.
func (a AccessGrant) Valid() bool {
	return a.g != nil && !a.g.revoked.Load()
}

// ResultID returns the result the grant is for.
func (a AccessGrant) ResultID() string {
	if a.g == nil {
		return ""
	}
	return a.g.resultID
}

// Reference returns the result's display reference, used to name downloaded files.
func (a AccessGrant) Reference() string {
	if a.g == nil {
		return ""
	}
	return a.g.reference
}

// BearerToken returns the access token issued on verification, empty if the server issued none.
func (a AccessGrant) BearerToken() string {
	if a.g == nil {
		return ""
	}
	return a.g.token
}

// GrantedAt returns when verification succeeded.
func (a AccessGrant) GrantedAt() time.Time {
	if a.g == nil {
		return time.Time{}
	}
	return a.g.grantedAt
}

func (g *grant) revoke() {
	if g != nil {
		g.revoked.Store(true)
	}
}
