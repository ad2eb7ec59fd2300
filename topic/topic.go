// Package topic implements MQTT topic filter matching and the topic
// template ("Pattern") compiler used by the rpc and statestore packages
// to render publish/subscribe topics from named tokens.
package topic

import (
	"fmt"
	"strings"
)

// ConfigError is returned when a template, namespace or token map fails
// validation at build time.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// segment is one '/'-separated level of a Pattern. A segment is either a
// literal string or, if token is non-empty, an unresolved named token
// (rendered as '+' in subscribe form, required at publish time).
type segment struct {
	literal string
	token   string
}

// Pattern is an ordered sequence of resolved levels produced from a
// template like "svc/{commandName}/{executorId}/req" by substituting
// tokens from a caller-supplied map and/or well-known tokens.
//
// A pattern with an unresolved single-level token renders its subscribe
// form with '+' at that position; its publish form requires the token to
// be supplied.
type Pattern struct {
	segments []segment
}

// reservedChars are forbidden in a literal topic segment or namespace
// segment: '+' and '#' are wildcards, '{'/'}' delimit tokens, '$' is the
// reserved top-level prefix.
const reservedChars = "+#{}$"

func validateLiteralSegment(seg string) error {
	if seg == "" {
		return configErrorf("topic segment must not be empty")
	}
	for _, r := range seg {
		if r < '!' || r > '~' {
			return configErrorf("topic segment %q contains non-printable-ASCII character", seg)
		}
	}
	if strings.ContainsAny(seg, reservedChars) {
		return configErrorf("topic segment %q contains a reserved character", seg)
	}
	return nil
}

func validateTokenName(name string) error {
	if name == "" {
		return configErrorf("token name must not be empty")
	}
	if strings.ContainsAny(name, "/{}+#") {
		return configErrorf("token name %q contains a reserved character", name)
	}
	return nil
}

// Build compiles a template into a Pattern. namespace, if non-empty, is
// prefixed as literal segments ahead of the template's own segments.
// tokenMap resolves named tokens ("{name}" or the reserved custom-prefix
// form "{ex:foo}") to literal values at build time; tokens absent from
// tokenMap remain open and must be supplied later via AsPublishTopic or
// left as '+' via AsSubscribeTopic.
func Build(template string, namespace string, tokenMap map[string]string) (*Pattern, error) {
	if strings.HasPrefix(template, "$") {
		return nil, configErrorf("topic template must not begin with '$'")
	}

	var segments []segment

	if namespace != "" {
		for _, part := range strings.Split(namespace, "/") {
			if err := validateLiteralSegment(part); err != nil {
				return nil, err
			}
			segments = append(segments, segment{literal: part})
		}
	}

	for _, part := range strings.Split(template, "/") {
		if part == "" {
			return nil, configErrorf("topic template contains an empty segment (consecutive or leading/trailing '/')")
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if err := validateTokenName(name); err != nil {
				return nil, err
			}
			if v, ok := tokenMap[name]; ok {
				if err := validateLiteralSegment(v); err != nil {
					return nil, err
				}
				segments = append(segments, segment{literal: v})
			} else {
				segments = append(segments, segment{token: name})
			}
			continue
		}
		if err := validateLiteralSegment(part); err != nil {
			return nil, err
		}
		segments = append(segments, segment{literal: part})
	}

	return &Pattern{segments: segments}, nil
}

// AsSubscribeTopic renders the pattern as an MQTT subscribe filter: any
// unresolved token is rendered as the single-level wildcard '+'.
func (p *Pattern) AsSubscribeTopic() string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		if s.token != "" {
			parts[i] = "+"
		} else {
			parts[i] = s.literal
		}
	}
	return strings.Join(parts, "/")
}

// AsPublishTopic renders the pattern as a concrete publish topic, binding
// any still-open tokens from extra. It fails with a ConfigError if any
// token remains unresolved.
func (p *Pattern) AsPublishTopic(extra map[string]string) (string, error) {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		if s.token == "" {
			parts[i] = s.literal
			continue
		}
		v, ok := extra[s.token]
		if !ok || v == "" {
			return "", configErrorf("token %q is unresolved and required for a publish topic", s.token)
		}
		if err := validateLiteralSegment(v); err != nil {
			return "", err
		}
		parts[i] = v
	}
	return strings.Join(parts, "/"), nil
}

// Matches reports whether topicName (a concrete topic, no wildcards) is
// matched by this pattern's subscribe form, per standard MQTT topic
// matching rules.
func (p *Pattern) Matches(topicName string) bool {
	return MatchFilter(p.AsSubscribeTopic(), topicName)
}

// ParseTokens binds each open token in the pattern to the concrete
// segment value found at the same position in topicName. It fails if
// topicName does not have the same segment count or a literal segment
// does not match.
func (p *Pattern) ParseTokens(topicName string) (map[string]string, error) {
	parts := strings.Split(topicName, "/")
	if len(parts) != len(p.segments) {
		return nil, configErrorf("topic %q has %d segments, pattern expects %d", topicName, len(parts), len(p.segments))
	}
	bound := make(map[string]string)
	for i, s := range p.segments {
		if s.token != "" {
			bound[s.token] = parts[i]
			continue
		}
		if parts[i] != s.literal {
			return nil, configErrorf("topic %q does not match pattern at segment %d (%q != %q)", topicName, i, parts[i], s.literal)
		}
	}
	return bound, nil
}

// MatchFilter reports whether topic matches filter under standard MQTT
// wildcard rules ('+' single-level, '#' multi-level terminal), including
// the MQTT-4.7.2-1 rule that topics beginning with '$' are never matched
// by a filter beginning with a wildcard.
func MatchFilter(filter, topic string) bool {
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx, tIdx := 0, 0
	fLen, tLen := len(filter), len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int
		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int
		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel != "+" && fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}
		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}
