package capsule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Policy effects.
const (
	PolicyEffectAllow = "Allow"
	PolicyEffectDeny  = "Deny"
)

// StringOrSlice accepts either a bare JSON string or an array of strings,
// matching the shape bucket policies are written in.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("unmarshal string or string list: %w", err)
	}
	*s = many
	return nil
}

func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// PolicyStatement grants or denies a set of actions on a set of resources
// to a set of principals.
type PolicyStatement struct {
	Sid       string        `json:"Sid,omitempty"`
	Effect    string        `json:"Effect"`
	Principal StringOrSlice `json:"Principal"`
	Action    StringOrSlice `json:"Action"`
	Resource  StringOrSlice `json:"Resource"`
}

// PolicyDocument is a bucket access policy.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(raw []byte) (*PolicyDocument, error) {
	var doc PolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed policy document", ErrInvalidArgument)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the structural rules every statement must satisfy.
func (d *PolicyDocument) Validate() error {
	if len(d.Statement) == 0 {
		return fmt.Errorf("%w: policy has no statements", ErrInvalidArgument)
	}
	for i, st := range d.Statement {
		if st.Effect != PolicyEffectAllow && st.Effect != PolicyEffectDeny {
			return fmt.Errorf("%w: statement %d has effect %q", ErrInvalidArgument, i, st.Effect)
		}
		if len(st.Action) == 0 {
			return fmt.Errorf("%w: statement %d has no actions", ErrInvalidArgument, i)
		}
		if len(st.Resource) == 0 {
			return fmt.Errorf("%w: statement %d has no resources", ErrInvalidArgument, i)
		}
	}
	return nil
}

// PolicyRequest is a single access decision input.
type PolicyRequest struct {
	Principal string // access key of the caller, or "*" for anonymous
	Action    string // e.g. "s3:GetObject"
	Resource  string // e.g. "arn:aws:s3:::bucket/key"
}

// Evaluate decides a request against the document. A request matching no
// statement is denied; an explicit Deny always wins over any Allow.
func (d *PolicyDocument) Evaluate(req PolicyRequest) bool {
	allowed := false
	for _, st := range d.Statement {
		if !st.matches(req) {
			continue
		}
		if st.Effect == PolicyEffectDeny {
			return false
		}
		allowed = true
	}
	return allowed
}

func (st *PolicyStatement) matches(req PolicyRequest) bool {
	return matchAny(st.Principal, req.Principal) &&
		matchAny(st.Action, req.Action) &&
		matchAny(st.Resource, req.Resource)
}

func matchAny(patterns []string, value string) bool {
	// An absent principal list means the statement applies to everyone.
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchWildcard(p, value) {
			return true
		}
	}
	return false
}

// matchWildcard supports "*" as a greedy multi-character wildcard, the
// only metacharacter policies use.
func matchWildcard(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}

	return strings.HasSuffix(value, parts[len(parts)-1])
}

// AuthorizeObjectAccess decides whether a request may perform action on
// (bucket, key). A pre-signed signature, when present, is the whole
// decision; otherwise the bucket policy is evaluated for the principal,
// and a bucket without a policy admits nobody.
func (s *Service) AuthorizeObjectAccess(b *Bucket, key, action, operation string, params PresignedURLParams, principal string, now time.Time) error {
	if params.Present() {
		return VerifyPresigned(b.SecretKey, b.Name, key, operation, params, now)
	}

	if b.Policy == "" {
		return fmt.Errorf("%w: bucket %s has no access policy", ErrAccessDenied, b.Name)
	}

	doc, err := ParsePolicy([]byte(b.Policy))
	if err != nil {
		return err
	}

	if principal == "" {
		principal = "*"
	}

	req := PolicyRequest{
		Principal: principal,
		Action:    action,
		Resource:  ObjectResourceARN(b.Name, key),
	}
	if !doc.Evaluate(req) {
		return fmt.Errorf("%w: %s on %s", ErrAccessDenied, action, req.Resource)
	}
	return nil
}

// ObjectResourceARN builds the resource name an object request is
// evaluated against.
func ObjectResourceARN(bucket, key string) string {
	if key == "" {
		return "arn:aws:s3:::" + bucket
	}
	return "arn:aws:s3:::" + bucket + "/" + key
}
