package vngateway

import (
	"crypto/md5" //nolint:gosec // the gateways mandate MD5 digests
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// DigestOptions selects how fields enter the digest.
type DigestOptions struct {
	// Exclude is the signature field itself.
	Exclude string
	// URLEncode query-escapes keys and values before joining.
	URLEncode bool
	// SkipEmpty leaves out fields with empty values.
	SkipEmpty bool
}

// Digest computes md5(k1=v1&k2=v2&...&kn=vn + secret) over the fields in
// key order, hex-encoded in lower case.
func Digest(fields map[string]string, secret string, opts DigestOptions) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == opts.Exclude {
			continue
		}
		if opts.SkipEmpty && v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		v := fields[k]
		if opts.URLEncode {
			k, v = url.QueryEscape(k), url.QueryEscape(v)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String())) //nolint:gosec // gateway-mandated
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(strings.ToLower(want))) == 1
}

// FormFields flattens form values, keeping the first value per key.
func FormFields(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, vs := range form {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// JSONFields flattens a JSON object's top-level scalar members into
// strings. Nested objects and arrays keep their raw JSON text.
func JSONFields(body []byte) (map[string]string, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, false
	}
	out := make(map[string]string)
	root.ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() || value.IsArray() {
			out[key.String()] = value.Raw
		} else {
			out[key.String()] = value.String()
		}
		return true
	})
	return out, true
}

// ToForm converts signed fields into url.Values.
func ToForm(fields map[string]string) url.Values {
	form := make(url.Values, len(fields))
	for k, v := range fields {
		form.Set(k, v)
	}
	return form
}
