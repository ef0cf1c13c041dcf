package nats

import (
	"fmt"
	"strings"
)

// subjectToken rewrites characters that NATS reserves or forbids inside a
// subject token, including the token separator itself
var subjectToken = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	" ", "_",
	"\t", "_",
	",", "_",
	":", "_",
	"?", "_",
	"[", "_",
	"]", "_",
)

// ToNATSSubject maps an MQTT topic name or filter onto a NATS subject, one
// topic level per subject token. "+" and "#" become "*" and ">". Empty
// levels become "_" since NATS does not allow empty tokens.
func ToNATSSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		default:
			levels[i] = NormalizeToken(level)
		}
	}
	return strings.Join(levels, ".")
}

// NormalizeToken returns level as a valid NATS subject token
func NormalizeToken(level string) string {
	if level == "" {
		return "_"
	}
	return subjectToken.Replace(level)
}

// TopicFor returns the MQTT topic a message received on subject through a
// subscription to filter is delivered under. Literal levels come from the
// filter because the subject may have lost characters; only the levels
// matched by a wildcard are taken from the subject.
func TopicFor(filter, subject string) string {
	if !strings.ContainsAny(filter, "+#") {
		return filter
	}

	levels := strings.Split(filter, "/")
	tokens := strings.Split(subject, ".")
	topic := make([]string, 0, len(tokens))
	for i, level := range levels {
		if i >= len(tokens) {
			break
		}
		switch level {
		case "+":
			topic = append(topic, tokens[i])
		case "#":
			return strings.Join(append(topic, tokens[i:]...), "/")
		default:
			topic = append(topic, level)
		}
	}
	return strings.Join(topic, "/")
}

func serverURL(host string, port int) string {
	return fmt.Sprintf("nats://%s:%d", host, port)
}
