package scriptintegrity

import (
	"regexp"
	"strings"
)

// sensitiveKeys are object keys whose values are replaced wholesale rather
// than pattern-redacted, since their content has no stable shape to
// partially mask.
var sensitiveKeys = map[string]struct{}{
	"password":    {},
	"passwd":      {},
	"secret":      {},
	"token":       {},
	"apikey":      {},
	"api_key":     {},
	"privatekey":  {},
	"private_key": {},
	"accesskey":   {},
	"access_key":  {},
}

// redactedValue is the wholesale replacement for sensitive-named object
// keys (password, token, ...), which have no stable shape to tag by type.
const redactedValue = "[REDACTED]"

// Per-pattern tags let a downstream consumer (or a test) tell which rule
// fired without re-running the regex, e.g. "<EMAIL_REDACTED>".
const (
	tagIPv4   = "<IPV4_REDACTED>"
	tagIPv6   = "<IPV6_REDACTED>"
	tagMAC    = "<MAC_REDACTED>"
	tagEmail  = "<EMAIL_REDACTED>"
	tagPhone  = "<PHONE_REDACTED>"
	tagSSN    = "<SSN_REDACTED>"
	tagCC     = "<CC_REDACTED>"
	tagAWSKey = "<AWS_KEY_REDACTED>"
	tagAPIKey = "<API_KEY_REDACTED>"
	tagPEM    = "<PEM_REDACTED>"
)

// maxSanitizeDepth bounds recursion into nested maps/slices so a
// maliciously deep script output cannot exhaust the stack.
const maxSanitizeDepth = 10

var (
	ipv4Pattern       = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)
	ipv6Pattern       = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{0,4}\b`)
	macPattern        = regexp.MustCompile(`\b[0-9a-fA-F]{2}(:[0-9a-fA-F]{2}){5}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	phonePattern      = regexp.MustCompile(`\b(\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ccPattern         = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	awsKeyPattern     = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	apiKeyLikePattern = regexp.MustCompile(`\b(?:sk|pk|ghp|gho|ghs)[-_][A-Za-z0-9_-]{15,}\b`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----.*?-----END (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)
)

// SanitizeText applies every pattern-based redaction to a single string:
// private-range IPv4 addresses are partially masked (the last two octets
// become "*.*" so device-network topology stays legible without exposing
// the exact host), public IPv4 and every other pattern are fully redacted
// and tagged by the rule that matched.
func SanitizeText(s string) string {
	s = pemBlockPattern.ReplaceAllString(s, tagPEM)
	s = apiKeyLikePattern.ReplaceAllString(s, tagAPIKey)
	s = awsKeyPattern.ReplaceAllString(s, tagAWSKey)
	s = ipv4Pattern.ReplaceAllStringFunc(s, redactIPv4)
	s = ipv6Pattern.ReplaceAllString(s, tagIPv6)
	s = macPattern.ReplaceAllString(s, tagMAC)
	s = emailPattern.ReplaceAllString(s, tagEmail)
	s = ssnPattern.ReplaceAllString(s, tagSSN)
	s = ccPattern.ReplaceAllString(s, tagCC)
	s = phonePattern.ReplaceAllString(s, tagPhone)
	return s
}

func redactIPv4(match string) string {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return redactedValue
	}
	if isPrivateOctets(parts) {
		return parts[0] + "." + parts[1] + ".*.*"
	}
	return tagIPv4
}

func isPrivateOctets(parts []string) bool {
	first, second := parts[0], parts[1]
	switch {
	case first == "10":
		return true
	case first == "192" && second == "168":
		return true
	case first == "172":
		// 172.16.0.0 - 172.31.255.255
		n := 0
		for _, c := range second {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		return n >= 16 && n <= 31
	case first == "127":
		return true
	}
	return false
}

// Sanitize walks an arbitrary decoded JSON value (the shape produced by
// encoding/json.Unmarshal into interface{}: map[string]interface{},
// []interface{}, string, float64, bool, nil) and returns a copy with every
// string leaf pattern-redacted and every sensitive-named object key
// replaced wholesale. Recursion stops at maxSanitizeDepth, returning the
// value unexamined past that point rather than risking a stack overflow
// on adversarial input.
func Sanitize(v interface{}) interface{} {
	return sanitizeDepth(v, 0)
}

func sanitizeDepth(v interface{}, depth int) interface{} {
	if depth >= maxSanitizeDepth {
		return v
	}
	switch val := v.(type) {
	case string:
		return SanitizeText(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
				out[k] = redactedValue
				continue
			}
			out[k] = sanitizeDepth(child, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = sanitizeDepth(child, depth+1)
		}
		return out
	default:
		return v
	}
}
