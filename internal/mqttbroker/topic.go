package mqttbroker

import "strings"

// matchTopic reports whether topic matches filter, honouring the single-level
// "+" and multi-level "#" wildcards.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// Topics starting with $ are not matched by wildcards at the first level.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		switch {
		case part == "#":
			return i == len(fl)-1
		case i >= len(tl):
			return false
		case part == "+":
			continue
		case part != tl[i]:
			return false
		}
	}
	return len(fl) == len(tl)
}

func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "#") && (part != "#" || i != len(parts)-1) {
			return false
		}
		if strings.Contains(part, "+") && part != "+" {
			return false
		}
	}
	return true
}
