package pubsub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AccessType is the closed set of permission kinds a pattern definition may
// carry. Anything else is a misconfigured ACL and must fail loudly instead
// of silently granting or withholding access.
type AccessType int

const (
	AccessPublisher AccessType = iota + 1
	AccessSubscriber
	AccessPublisherSubscriber
)

// Intent is what a credential is trying to do with a topic.
type Intent int

const (
	IntentPublish Intent = iota + 1
	IntentSubscribe
)

var (
	// ErrUnknownAccessType signals an unrecognized access_type value or an
	// unprefixed line inside a Publisher_Subscriber pattern block.
	ErrUnknownAccessType = errors.New("unknown access type")
)

const (
	pubPrefix = "pub="
	subPrefix = "sub="
)

// ParseAccessType maps the persisted string form to the enum.
func ParseAccessType(s string) (AccessType, error) {
	switch s {
	case "Publisher":
		return AccessPublisher, nil
	case "Subscriber":
		return AccessSubscriber, nil
	case "Publisher_Subscriber":
		return AccessPublisherSubscriber, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAccessType, s)
	}
}

// String returns the persisted form of the access type.
func (a AccessType) String() string {
	switch a {
	case AccessPublisher:
		return "Publisher"
	case AccessSubscriber:
		return "Subscriber"
	case AccessPublisherSubscriber:
		return "Publisher_Subscriber"
	default:
		return fmt.Sprintf("AccessType(%d)", int(a))
	}
}

// Pattern is a single permission definition attached to a credential.
type Pattern struct {
	Access AccessType
	Text   string
}

// PatternSet is the split view of a credential's patterns: which globs grant
// publish and which grant subscribe.
type PatternSet struct {
	Publish   []string
	Subscribe []string
}

// SplitPattern routes one pattern definition into the publish/subscribe
// lists. Publisher_Subscriber text may hold newline-separated sub-patterns,
// each prefixed pub= or sub=; a line without a recognized prefix is a
// configuration error.
func SplitPattern(p Pattern, set *PatternSet) error {
	switch p.Access {
	case AccessPublisher:
		set.Publish = append(set.Publish, strings.TrimSpace(p.Text))
		return nil
	case AccessSubscriber:
		set.Subscribe = append(set.Subscribe, strings.TrimSpace(p.Text))
		return nil
	case AccessPublisherSubscriber:
		for _, line := range strings.Split(p.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch {
			case strings.HasPrefix(line, pubPrefix):
				set.Publish = append(set.Publish, strings.TrimSpace(line[len(pubPrefix):]))
			case strings.HasPrefix(line, subPrefix):
				set.Subscribe = append(set.Subscribe, strings.TrimSpace(line[len(subPrefix):]))
			default:
				return fmt.Errorf("%w: pattern line %q lacks pub=/sub= prefix", ErrUnknownAccessType, line)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnknownAccessType, p.Access)
	}
}

// SplitPatterns builds a PatternSet from a credential's full pattern list.
func SplitPatterns(patterns []Pattern) (PatternSet, error) {
	var set PatternSet
	for _, p := range patterns {
		if err := SplitPattern(p, &set); err != nil {
			return PatternSet{}, err
		}
	}
	return set, nil
}

// Credential identifies a caller and carries its permission patterns.
type Credential struct {
	Name     string
	Patterns []Pattern
}

// compiledSet holds pre-compiled globs for one pattern set.
type compiledSet struct {
	publish   []glob.Glob
	subscribe []glob.Glob
}

// Matcher evaluates whether a credential may publish or subscribe to a
// topic. Compiled pattern sets are cached in an LRU keyed by a hash of the
// pattern text, so the hot publish path avoids recompiling globs.
type Matcher struct {
	cache *lru.Cache[uint64, *compiledSet]
}

const matcherCacheSize = 1024

// NewMatcher creates a permission matcher.
func NewMatcher() *Matcher {
	cache, _ := lru.New[uint64, *compiledSet](matcherCacheSize)
	return &Matcher{cache: cache}
}

func patternsKey(patterns []Pattern) uint64 {
	h := xxhash.New()
	for _, p := range patterns {
		h.WriteString(p.Access.String())
		h.WriteString("\x00")
		h.WriteString(p.Text)
		h.WriteString("\x00")
	}
	return h.Sum64()
}

func (m *Matcher) compiled(patterns []Pattern) (*compiledSet, error) {
	key := patternsKey(patterns)
	if cs, ok := m.cache.Get(key); ok {
		return cs, nil
	}

	set, err := SplitPatterns(patterns)
	if err != nil {
		return nil, err
	}

	cs := &compiledSet{}
	for _, text := range set.Publish {
		g, err := glob.Compile(text, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid publish pattern %q: %w", text, err)
		}
		cs.publish = append(cs.publish, g)
	}
	for _, text := range set.Subscribe {
		g, err := glob.Compile(text, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid subscribe pattern %q: %w", text, err)
		}
		cs.subscribe = append(cs.subscribe, g)
	}

	m.cache.Add(key, cs)
	return cs, nil
}

// IsAllowed reports whether the credential may act on the topic with the
// given intent. Pattern errors propagate; they are configuration errors,
// never an implicit deny.
func (m *Matcher) IsAllowed(cred Credential, topicName string, intent Intent) (bool, error) {
	cs, err := m.compiled(cred.Patterns)
	if err != nil {
		return false, err
	}

	globs := cs.publish
	if intent == IntentSubscribe {
		globs = cs.subscribe
	}

	for _, g := range globs {
		if g.Match(topicName) {
			return true, nil
		}
	}
	return false, nil
}
