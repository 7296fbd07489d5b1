package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parlor/internal/config"
)

// MembershipSource resolves the chats a principal currently participates in.
type MembershipSource interface {
	ListChatIDsByParticipant(ctx context.Context, userID int64) ([]int64, error)
}

type MercureClaim struct {
	Subscribe []string `json:"subscribe,omitempty"`
	Publish   []string `json:"publish,omitempty"`
}

type Claims struct {
	Mercure MercureClaim `json:"mercure"`
	jwt.RegisteredClaims
}

// Credential is what a client needs to open a subscription.
type Credential struct {
	Token  string  `json:"jwt"`
	HubURL string  `json:"hub_url"`
	Topics []Topic `json:"topics"`
}

var ErrInvalidCapability = errors.New("invalid capability token")

type Issuer struct {
	secret       []byte
	subscribeURL string
	ttl          time.Duration
	members      MembershipSource
	now          func() time.Time
}

func NewIssuer(cfg config.Hub, members MembershipSource) (*Issuer, error) {
	if cfg.SigningSecret == "" {
		return nil, errors.New("hub signing secret is required")
	}
	subscribeURL, err := url.JoinPath(cfg.PublicURL, "subscribe")
	if err != nil {
		return nil, fmt.Errorf("hub public url: %w", err)
	}
	return &Issuer{
		secret:       []byte(cfg.SigningSecret),
		subscribeURL: subscribeURL,
		ttl:          cfg.TokenTTL,
		members:      members,
		now:          time.Now,
	}, nil
}

// Issue signs a capability token covering exactly the chats the principal
// belongs to right now. The result is a snapshot; membership changes need a
// fresh call.
func (i *Issuer) Issue(ctx context.Context, principalID int64) (Credential, error) {
	chatIDs, err := i.members.ListChatIDsByParticipant(ctx, principalID)
	if err != nil {
		return Credential{}, fmt.Errorf("resolve memberships: %w", err)
	}
	topics := TopicsFor(chatIDs)

	now := i.now()
	claims := Claims{
		Mercure: MercureClaim{Subscribe: Strings(topics)},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(principalID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token, err := i.sign(claims)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: token, HubURL: i.subscribeURL, Topics: topics}, nil
}

// PublisherToken signs the credential the server presents when publishing.
func (i *Issuer) PublisherToken() (string, error) {
	return i.sign(Claims{
		Mercure: MercureClaim{Publish: []string{"*"}},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(i.now()),
		},
	})
}

func (i *Issuer) sign(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign hub token: %w", err)
	}
	return token, nil
}

// TopicsFor maps chat ids to their topics in ascending id order, without duplicates.
func TopicsFor(chatIDs []int64) []Topic {
	ids := slices.Clone(chatIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	topics := make([]Topic, 0, len(ids))
	for _, id := range ids {
		topics = append(topics, ChatTopic(id))
	}
	return topics
}

// ParseCapability verifies a token signed by an Issuer with the same secret.
func ParseCapability(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	return claims, nil
}

// Allows reports whether the claims grant a subscription to topic.
func (c Claims) Allows(topic Topic) bool {
	if topic.Public() {
		return true
	}
	return slices.Contains(c.Mercure.Subscribe, string(topic)) || slices.Contains(c.Mercure.Subscribe, "*")
}
