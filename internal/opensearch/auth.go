package opensearch

// CredentialSupplier provides credentials for store connections. The
// supplier is consulted once at client construction.
type CredentialSupplier interface {
	Credentials() (username, password string, err error)
}

// StaticCredentials is a CredentialSupplier backed by fixed values,
// typically sourced from the environment.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials returns the static username and password pair.
func (s StaticCredentials) Credentials() (string, string, error) {
	return s.Username, s.Password, nil
}
