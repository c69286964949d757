/*
oidc is a package for running the OpenID Connect hybrid flow
(response_type "code id_token", response_mode form_post) against a directory
identity provider.

Primary types provided by the package

* Config: the relying party configuration (client Id/Secret, redirect URL,
supported signing algorithms, default scopes, audiences, provider CA).

* Provider: the identity provider client. It builds authorization and logout
URLs, exchanges authorization codes, exchanges id_tokens on behalf of the user
for downstream API tokens, refreshes tokens, verifies id_tokens and makes
authenticated requests to resource APIs.

* Token: an oauth2 access_token with its expiry, and optionally a
refresh_token and an id_token. The token types redact themselves when
printed or marshaled.

* TestProvider: a disposable local provider for tests.
*/
package oidc
