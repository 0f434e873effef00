package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// Transport builds an http.Transport for endpoints behind a private CA.
// caFile, when set, names a PEM bundle trusted in addition to the
// system roots. insecure disables certificate verification entirely and
// belongs in development only.
func Transport(caFile string, insecure bool) (*http.Transport, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: insecure}
	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsCfg.RootCAs = pool
	}
	return &http.Transport{
		TLSClientConfig: tlsCfg,
		Proxy:           http.ProxyFromEnvironment,
	}, nil
}
