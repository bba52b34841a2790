package authn

import "github.com/glyphnet/glyphnet/fedid"

// Document is the local auth discovery metadata served from
// /.well-known/openid-configuration. It is scoped entirely to this host:
// remote hosts verify federation tokens against the bare JWKS document and
// never consume this.
type Document struct {
	Issuer                            string   `json:"issuer"`
	JWKSURI                           string   `json:"jwks_uri"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery returns the host's auth discovery document.
func (s *Service) Discovery() Document {
	issuer := fedid.BaseURL(s.host)
	return Document{
		Issuer:                            issuer,
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		TokenEndpoint:                     issuer + "/auth/token",
		GrantTypesSupported:               []string{"password", "refresh_token"},
		ResponseTypesSupported:            []string{},
		ScopesSupported:                   []string{defaultScope},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}
