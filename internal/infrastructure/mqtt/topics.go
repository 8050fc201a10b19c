package mqtt

import "strings"

// DefaultTopicPrefix roots all topics when the config leaves it empty.
const DefaultTopicPrefix = "cellscanner"

// Topics builds CellScanner MQTT topics under Prefix.
//
//	topics := mqtt.Topics{Prefix: "site-a/cellscanner"}
//	topics.Events() // "site-a/cellscanner/events"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Events returns the topic drained events are published on.
func (t Topics) Events() string {
	return t.prefix() + "/events"
}

// Measurements returns the topic drained measurements are published on.
func (t Topics) Measurements() string {
	return t.prefix() + "/measurements"
}

// WorkerStatus returns the retained worker lifecycle topic.
func (t Topics) WorkerStatus() string {
	return t.prefix() + "/worker/status"
}

// SystemStatus returns the retained client status topic, also used for
// the LWT.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// All returns a pattern matching every CellScanner topic.
func (t Topics) All() string {
	return t.prefix() + "/#"
}
