package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer = "studyhub"

	// payloadVersion is bumped whenever the token payload shape changes, so that
	// tokens minted by an older build fail with ErrTokenFormat instead of being
	// half-understood.
	payloadVersion = 1

	minSecretLength = 32
)

var errShortSecret = fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)

// claims is the JWT body. Timestamps are unix milliseconds.
type claims struct {
	Version       int             `json:"ver"`
	Authorization json.RawMessage `json:"authorization"`
	SignedAt      int64           `json:"signedAt"`
	ValidUntil    int64           `json:"validUntil"`
	jwt.RegisteredClaims
}

// Codec signs and verifies capability tokens as HS256 JWTs.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithCodecClock overrides the time source used for expiry checks.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec for the given HMAC secret.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) < minSecretLength {
		return nil, errShortSecret
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign encodes payload into a signed token that the JWT layer expires after ttl.
func (c *Codec) Sign(payload TokenPayload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be greater than zero")
	}
	body, err := MarshalAuthorization(payload.Authorization)
	if err != nil {
		return "", fmt.Errorf("auth: encode authorization: %w", err)
	}
	cl := claims{
		Version:       payloadVersion,
		Authorization: body,
		SignedAt:      payload.SignedAt.UnixMilli(),
		ValidUntil:    payload.ValidUntil.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   payload.Authorization.SubjectID,
			IssuedAt:  jwt.NewNumericDate(payload.SignedAt),
			ExpiresAt: jwt.NewNumericDate(expiryCeil(payload.SignedAt.Add(ttl))),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry, then validates the payload shape.
// Signature and expiry failures are ErrInvalidToken; a well-signed token with an
// unexpected body is ErrTokenFormat.
func (c *Codec) Verify(token string) (TokenPayload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenPayload{}, ErrInvalidToken
	}
	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return TokenPayload{}, ErrInvalidToken
	}
	payload, err := cl.payload()
	if err != nil {
		return TokenPayload{}, err
	}
	if c.now().After(payload.ValidUntil) {
		return TokenPayload{}, ErrInvalidToken
	}
	return payload, nil
}

// Decode reads the payload without checking signature or expiry. It must never
// stand in for Verify.
func (c *Codec) Decode(token string) (TokenPayload, error) {
	var cl claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &cl); err != nil {
		return TokenPayload{}, ErrInvalidToken
	}
	return cl.payload()
}

// expiryCeil moves t to the next whole second. The JWT exp claim has second
// precision and must never fire before validUntil, which is the exact cutoff.
func expiryCeil(t time.Time) time.Time {
	return t.Truncate(time.Second).Add(time.Second)
}

func (cl *claims) payload() (TokenPayload, error) {
	if cl.Version != payloadVersion {
		return TokenPayload{}, ErrTokenFormat
	}
	if cl.SignedAt <= 0 || cl.ValidUntil < cl.SignedAt {
		return TokenPayload{}, ErrTokenFormat
	}
	authz, err := decodeAuthorization(cl.Authorization)
	if err != nil {
		return TokenPayload{}, err
	}
	return TokenPayload{
		Authorization: authz,
		SignedAt:      time.UnixMilli(cl.SignedAt).UTC(),
		ValidUntil:    time.UnixMilli(cl.ValidUntil).UTC(),
	}, nil
}

// decodeAuthorization strictly decodes a serialized Authorization. It is shared
// by the codec and by session storage, which persists the same shape.
func decodeAuthorization(raw []byte) (Authorization, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Authorization{}, ErrTokenFormat
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var authz Authorization
	if err := dec.Decode(&authz); err != nil {
		return Authorization{}, ErrTokenFormat
	}
	if strings.TrimSpace(authz.SubjectID) == "" || authz.Permissions == nil {
		return Authorization{}, ErrTokenFormat
	}
	return authz, nil
}

// Normalized returns a in the form a token or session row gives back:
// Permissions is non-nil, empty CustomLogicData is dropped and the rest is in
// its encoded form. Verify(Sign(a)) is deep-equal to a.Normalized().
func (a Authorization) Normalized() (Authorization, error) {
	out := Authorization{SubjectID: a.SubjectID, Permissions: make([]Permission, 0, len(a.Permissions))}
	for i, p := range a.Permissions {
		if len(p.CustomLogicData) == 0 {
			p.CustomLogicData = nil
		} else {
			raw, err := json.Marshal(p.CustomLogicData)
			if err != nil {
				return Authorization{}, fmt.Errorf("auth: permission %d customLogicData: %w", i, err)
			}
			p.CustomLogicData = raw
		}
		out.Permissions = append(out.Permissions, p)
	}
	return out, nil
}

// MarshalAuthorization serializes an Authorization for storage.
func MarshalAuthorization(authz Authorization) ([]byte, error) {
	norm, err := authz.Normalized()
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// UnmarshalAuthorization is the inverse of MarshalAuthorization.
func UnmarshalAuthorization(raw []byte) (Authorization, error) {
	return decodeAuthorization(raw)
}
