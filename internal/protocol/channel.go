package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Namespace distinguishes record-change channels from auth-event channels
type Namespace string

const (
	NamespaceQuery Namespace = "query"
	NamespaceAuth  Namespace = "auth"
)

// AllEvents is the event selector matching every event on a channel
const AllEvents = "*"

var (
	ErrUnknownNamespace = errors.New("unknown channel namespace")
	ErrEmptyChannelID   = errors.New("channel id is required")
)

// Valid reports whether ns is a namespace the server routes
func (ns Namespace) Valid() bool {
	return ns == NamespaceQuery || ns == NamespaceAuth
}

// Filter is a predicate over record fields, serialized into the channel string
type Filter map[string]any

// BuildChannel produces "<namespace>:<id>:<event>[:<filter>]".
// An empty event selects all events; a nil or empty filter adds no suffix.
func BuildChannel(ns Namespace, id string, event string, filter Filter) (string, error) {
	if !ns.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	if id == "" {
		return "", ErrEmptyChannelID
	}
	if event == "" {
		event = AllEvents
	}

	channel := string(ns) + ":" + id + ":" + event
	if encoded := EncodeFilter(filter); encoded != "" {
		channel += ":" + encoded
	}
	return channel, nil
}

// EncodeFilter serializes a filter as a query string. Keys are sorted at every
// nesting level so equal filters always encode identically. Nested maps use
// bracket notation (a[b]=v) and slices use indices (a[0]=v); only values are escaped.
func EncodeFilter(filter Filter) string {
	if len(filter) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(filter))
	appendPairs(&pairs, "", map[string]any(filter))
	return strings.Join(pairs, "&")
}

func appendPairs(pairs *[]string, prefix string, value any) {
	switch v := value.(type) {
	case Filter:
		appendMap(pairs, prefix, map[string]any(v))
	case map[string]any:
		appendMap(pairs, prefix, v)
	case []any:
		for i, item := range v {
			appendPairs(pairs, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		rv := reflect.ValueOf(value)
		if value != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < rv.Len(); i++ {
				appendPairs(pairs, prefix+"["+strconv.Itoa(i)+"]", rv.Index(i).Interface())
			}
			return
		}
		if value != nil && rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			appendMap(pairs, prefix, m)
			return
		}
		*pairs = append(*pairs, prefix+"="+escapeValue(formatValue(value)))
	}
}

func appendMap(pairs *[]string, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "[" + k + "]"
		}
		appendPairs(pairs, name, m[k])
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// escapeValue percent-encodes per RFC 3986, so spaces become %20 rather than +
func escapeValue(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// FilterFrom converts a map or struct into a Filter through its JSON form.
// Struct fields follow their json tags, so omitempty drops unset fields.
func FilterFrom(v any) (Filter, error) {
	switch f := v.(type) {
	case nil:
		return nil, nil
	case Filter:
		return f, nil
	case map[string]any:
		return Filter(f), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var filter Filter
	if err := dec.Decode(&filter); err != nil {
		return nil, fmt.Errorf("filter must encode to a JSON object: %w", err)
	}
	return filter, nil
}
