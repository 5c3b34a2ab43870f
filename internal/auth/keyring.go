package auth

import (
	"fmt"
	"strings"
)

// keyEntry pairs a caller's hashed API key with its plan.
type keyEntry struct {
	hash string
	plan string
}

// Keyring holds the configured caller credentials. It is built once at
// startup and read-only afterwards, so no locking is needed.
type Keyring struct {
	entries map[string]keyEntry
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{entries: make(map[string]keyEntry)}
}

// Add hashes and registers one caller's API key.
func (k *Keyring) Add(callerID, plan, apiKey string) error {
	if callerID == "" || apiKey == "" {
		return fmt.Errorf("auth: keyring entry needs caller_id and api_key")
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	k.entries[callerID] = keyEntry{hash: hash, plan: plan}
	return nil
}

// AddFromSpec parses comma-separated "caller_id:plan:api_key" entries.
func (k *Keyring) AddFromSpec(spec string) error {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("auth: malformed keyring entry %q (want caller_id:plan:api_key)", entry)
		}
		if err := k.Add(parts[0], parts[1], parts[2]); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of registered callers.
func (k *Keyring) Len() int { return len(k.entries) }

// Verify checks a caller's API key. On any miss it still burns one hash
// so response timing does not reveal whether the caller exists.
func (k *Keyring) Verify(callerID, apiKey string) (plan string, ok bool) {
	entry, found := k.entries[callerID]
	if !found {
		DummyVerify()
		return "", false
	}
	valid, err := VerifyAPIKey(apiKey, entry.hash)
	if err != nil || !valid {
		return "", false
	}
	return entry.plan, true
}
