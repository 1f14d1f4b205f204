package api

import "strings"

const (
	providerKeyPrefix    = "sk-"
	providerKeyMinLength = 20
	minPasswordLength    = 6
)

// ValidateProviderKey trims key and checks it looks like a provider secret.
func ValidateProviderKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, providerKeyPrefix) || len(key) < providerKeyMinLength {
		return "", &ValidationError{Field: "api_key", Message: `Invalid API key. It should start with "sk-".`}
	}
	return key, nil
}

// ValidateSignup checks the password rules enforced before an account is
// created.
func ValidateSignup(email, password, confirm string) error {
	if strings.TrimSpace(email) == "" {
		return &ValidationError{Field: "email", Message: "Email is required."}
	}
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Message: "Password must be at least 6 characters."}
	}
	if password != confirm {
		return &ValidationError{Field: "password", Message: "Passwords do not match."}
	}
	return nil
}
