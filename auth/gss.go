package auth

import (
	"fmt"
	"os"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// gssKrb5Provider backs the SaslProvider interface with a real Kerberos
// V5 GSS-API negotiation via gokrb5, plugged in as an external
// collaborator behind the SASL-style provider interface.
type gssKrb5Provider struct {
	spnegoClient *spnego.SPNEGO
	started      bool
}

// NewGSSProvider builds a SaslProvider for AuthGSS/AuthSSPI using the
// system krb5 config and the caller's default credential cache, matching
// how libpq resolves integrated security when integratedsecurity=true.
func NewGSSProvider(host, krbSrvName string) (SaslProvider, error) {
	cfg, err := config.Load(krb5ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("auth: load krb5 config: %w", err)
	}

	ccachePath := os.Getenv("KRB5CCNAME")
	if ccachePath == "" {
		return nil, fmt.Errorf("auth: KRB5CCNAME not set; integrated security requires an existing credential cache")
	}
	ccache, err := credentials.LoadCCache(ccachePath)
	if err != nil {
		return nil, fmt.Errorf("auth: load credential cache: %w", err)
	}

	cl, err := client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, fmt.Errorf("auth: build krb5 client: %w", err)
	}

	if krbSrvName == "" {
		krbSrvName = "postgres"
	}
	spn := fmt.Sprintf("%s/%s", krbSrvName, host)
	return &gssKrb5Provider{spnegoClient: spnego.SPNEGOClient(cl, spn)}, nil
}

func krb5ConfigPath() string {
	if p := os.Getenv("KRB5_CONFIG"); p != "" {
		return p
	}
	return "/etc/krb5.conf"
}

// Step implements SaslProvider. The first call (serverToken == nil)
// produces the initial negotiation token; PostgreSQL's GSS exchange is a
// single round trip for the common Kerberos case, so Step signals done
// once it has emitted that token.
func (p *gssKrb5Provider) Step(serverToken []byte) ([]byte, bool, error) {
	if !p.started {
		p.started = true
		nt, err := p.spnegoClient.InitSecContext()
		if err != nil {
			return nil, false, fmt.Errorf("auth: gss init sec context: %w", err)
		}
		token, err := nt.Marshal()
		if err != nil {
			return nil, false, fmt.Errorf("auth: gss marshal token: %w", err)
		}
		return token, false, nil
	}
	// A continuation token was sent by the server; gokrb5's SPNEGO
	// client completes the exchange in one round trip for Kerberos, so
	// there is nothing further to send.
	return nil, true, nil
}
