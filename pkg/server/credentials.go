package server

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"

	"github.com/aeolun/campusrelay/pkg/database"
	"golang.org/x/crypto/bcrypt"
)

// Credential is a site identifier and its shared secret
type Credential struct {
	SiteID string
	Secret string
}

// Authenticator validates a connecting site's claimed identity
type Authenticator interface {
	Authenticate(siteID, secret string) bool
}

// CredentialStore is the fixed site -> secret mapping loaded at startup.
// It is never mutated after construction, so reads need no locking.
type CredentialStore struct {
	secrets map[string]string
}

// NewCredentialStore builds a store from a credential list; later entries
// override earlier ones with the same site ID.
func NewCredentialStore(creds ...[]Credential) *CredentialStore {
	secrets := make(map[string]string)
	for _, list := range creds {
		for _, c := range list {
			secrets[c.SiteID] = c.Secret
		}
	}
	return &CredentialStore{secrets: secrets}
}

// LoadCredentialsDB reads every enabled campus from a SQLite credentials database
func LoadCredentialsDB(path string) ([]Credential, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials database: %w", err)
	}
	defer db.Close()

	campuses, err := db.ListCampuses()
	if err != nil {
		return nil, err
	}

	creds := make([]Credential, 0, len(campuses))
	for _, c := range campuses {
		creds = append(creds, Credential{SiteID: c.Name, Secret: c.Secret})
	}
	return creds, nil
}

// Authenticate reports whether secret matches the stored secret for siteID.
// Both values must match exactly; no case folding happens here.
func (cs *CredentialStore) Authenticate(siteID, secret string) bool {
	stored, ok := cs.secrets[siteID]
	if !ok {
		return false
	}

	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1
}

// Sites returns the configured site identifiers, sorted
func (cs *CredentialStore) Sites() []string {
	sites := make([]string, 0, len(cs.secrets))
	for site := range cs.secrets {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// Len returns the number of configured sites
func (cs *CredentialStore) Len() int {
	return len(cs.secrets)
}

// HashSecret returns a bcrypt hash suitable for storing in place of a plaintext secret
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
