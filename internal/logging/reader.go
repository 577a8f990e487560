package logging

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Entry is one decoded log file line. Lines that cannot be decoded keep
// their Raw text and the reason in Error.
type Entry struct {
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Hostname  string         `json:"hostname,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       string         `json:"raw,omitempty"`
	Error     string         `json:"error,omitempty"`
}

var knownKeys = map[string]bool{"timestamp": true, "level": true, "message": true, "platform": true, "hostname": true}

// ReadLog decodes every non-empty line of path. Plain JSON lines are read
// as-is; other lines are opened with passphrase.
func ReadLog(path, passphrase string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if passphrase == "" {
		passphrase = DefaultKey
	}
	o := newOpener(passphrase)
	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		entries = append(entries, decodeLine(o, line))
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan log: %w", err)
	}
	return entries, nil
}

func decodeLine(o *opener, line string) Entry {
	plain := line
	if !strings.HasPrefix(line, "{") {
		opened, err := o.open(line)
		if err != nil {
			return Entry{Raw: line, Error: err.Error()}
		}
		plain = opened
	}
	var fields map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(plain, &fields); err != nil {
		return Entry{Raw: line, Error: err.Error()}
	}
	e := Entry{
		Timestamp: stringField(fields, "timestamp"),
		Level:     stringField(fields, "level"),
		Message:   stringField(fields, "message"),
		Platform:  stringField(fields, "platform"),
		Hostname:  stringField(fields, "hostname"),
	}
	for k, v := range fields {
		if knownKeys[k] {
			continue
		}
		if e.Fields == nil {
			e.Fields = map[string]any{}
		}
		e.Fields[k] = v
	}
	return e
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
