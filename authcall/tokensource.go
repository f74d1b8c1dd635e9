package authcall

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx    context.Context
	caller *Caller
}

// TokenSource adapts the caller to oauth2.TokenSource so the stored session
// can authorise an oauth2.NewClient. The returned token's expiry already
// includes the safety buffer. A 401 seen by such a client is not retried.
func (c *Caller) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, caller: c}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	creds, err := ts.caller.validCredentials(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiresAt.Add(-ts.caller.store.SafetyBuffer()),
	}, nil
}
