package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Digest computes the arguments digest used to de-duplicate
// retried tool calls: the hex sha256 of the RFC 8785 JSON Canonicalization
// Scheme form of arguments. Two logically identical argument maps (same
// keys and values, any field order) always produce the same digest.
func Digest(arguments map[string]any) (string, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := json.Marshal(arguments)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns the identity used to recognize a retry of the same call:
// caller, tool, and arguments digest together. Two calls sharing a Key
// are the same logical request even if the transport-level JSON-RPC id
// differs.
func Key(callerIdentity, toolName, argumentsDigest string) string {
	return callerIdentity + "\x00" + toolName + "\x00" + argumentsDigest
}
