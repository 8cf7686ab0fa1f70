package securestore

import (
	"github.com/awnumar/memguard"
)

// Secret holds a credential (the Consul ACL token) sealed in a memguard enclave.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value into an encrypted enclave. An empty value yields a
// Secret that reports IsSet() == false.
func NewSecret(value string) *Secret {
	if value == "" {
		return &Secret{}
	}
	// NewEnclave wipes the slice it is given.
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// IsSet reports whether the secret holds a value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Access opens the enclave and hands the plaintext to f. The slice is wiped
// as soon as f returns and must not be retained.
func (s *Secret) Access(f func([]byte) error) error {
	if !s.IsSet() {
		return f(nil)
	}

	b, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer b.Destroy()

	return f(b.Bytes())
}

// Reveal returns the plaintext as a Go string. Used only at the edge where a
// client library insists on a string-typed credential.
func (s *Secret) Reveal() string {
	var out string
	_ = s.Access(func(p []byte) error {
		out = string(p)
		return nil
	})
	return out
}

// Destroy drops the reference to the enclave.
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave = nil
	}
}
