// authazure signs users in with an OpenID Connect provider using the hybrid
// flow, keeps their service access tokens in a vault and mirrors provider
// identities onto local user accounts.
//
// The packages are:
//
//   - oidc: the provider client (auth URL, code and on-behalf-of exchange,
//     refresh, id_token verification, resource APIs, logout URL).
//   - vault: per-user service tokens with refresh on expiry.
//   - user: the reconciler and the user stores.
//   - session: cookie and cache backed browser sessions.
//   - auth: the login state machine, logout and token handlers.
//   - sdk/errs: error kinds, fatal classification and correlation ids.
//
// cmd/authazure serves it all from environment configuration.
package authazure
