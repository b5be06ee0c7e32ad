package pitwall

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DeriveKey returns the cache key for an upstream resource. The key is
// a pure function of the URL and the parameter set: the same inputs
// always produce the same key no matter the order the parameters were
// added in, and any change to a parameter produces a different key.
func DeriveKey(rawURL string, params url.Values) string {
	flat := make(map[string]string, len(params))
	for name, values := range params {
		flat[name] = strings.Join(values, ",")
	}
	// json.Marshal writes map keys in sorted order,
	// which makes the serialization canonical
	canonical, _ := json.Marshal(flat)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(rawURL+"?"+string(canonical))))
}
