package fiber

import (
	"strconv"
	"strings"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

// ParseAttributeValue parses a captured string into a typed
// schema.AttributeValue according to attrType, normalizing IP and MAC
// values. ok is false if s cannot be parsed as attrType.
func ParseAttributeValue(s string, attrType schema.AttributeType) (schema.AttributeValue, bool) {
	switch attrType {
	case schema.AttributeString:
		return schema.AttributeValue{Type: schema.AttributeString, Str: s}, true
	case schema.AttributeIP:
		n, ok := normalizeIP(s)
		if !ok {
			return schema.AttributeValue{}, false
		}
		return schema.AttributeValue{Type: schema.AttributeIP, Str: n}, true
	case schema.AttributeMAC:
		n, ok := normalizeMAC(s)
		if !ok {
			return schema.AttributeValue{}, false
		}
		return schema.AttributeValue{Type: schema.AttributeMAC, Str: n}, true
	case schema.AttributeInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return schema.AttributeValue{}, false
		}
		return schema.AttributeValue{Type: schema.AttributeInt, Int: v}, true
	case schema.AttributeFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return schema.AttributeValue{}, false
		}
		return schema.AttributeValue{Type: schema.AttributeFloat, Float: v}, true
	default:
		return schema.AttributeValue{}, false
	}
}

// normalizeIP strips leading zeros from IPv4 octets and rejects a
// four-part dotted value whose parts are not all 0-255. Anything else
// (IPv6, hostnames) passes through unchanged.
func normalizeIP(s string) (string, bool) {
	if strings.Contains(s, ".") {
		parts := strings.Split(s, ".")
		if len(parts) == 4 {
			out := make([]string, 4)
			for i, p := range parts {
				n, err := strconv.ParseUint(p, 10, 8)
				if err != nil {
					return "", false
				}
				out[i] = strconv.FormatUint(n, 10)
			}
			return strings.Join(out, "."), true
		}
	}
	return s, true
}

// normalizeMAC lowercases and re-separates a MAC address as
// "xx:xx:xx:xx:xx:xx", accepting hyphen, colon, or no separators as
// input.
func normalizeMAC(s string) (string, bool) {
	var cleaned strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			cleaned.WriteRune(r)
		}
	}
	hex := cleaned.String()
	if len(hex) != 12 {
		return "", false
	}
	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":"), true
}

// OpenFiber is an active, in-memory fiber awaiting further matching
// log lines.
type OpenFiber struct {
	FiberID       uuid.UUID
	FiberType     string
	Keys          map[string]string
	Attributes    map[string]schema.AttributeValue
	FirstActivity time.Time
	LastActivity  time.Time
	LogIDs        []uuid.UUID
}

// NewOpenFiber creates a fresh fiber of the given type, opened at timestamp.
func NewOpenFiber(fiberType string, timestamp time.Time) *OpenFiber {
	return &OpenFiber{
		FiberID:       uuid.New(),
		FiberType:     fiberType,
		Keys:          make(map[string]string),
		Attributes:    make(map[string]schema.AttributeValue),
		FirstActivity: timestamp,
		LastActivity:  timestamp,
	}
}

// AddLog records logID as belonging to this fiber and advances its
// last-activity timestamp.
func (f *OpenFiber) AddLog(logID uuid.UUID, timestamp time.Time) {
	f.LogIDs = append(f.LogIDs, logID)
	f.LastActivity = timestamp
}

// SetKey adds or overwrites a key value.
func (f *OpenFiber) SetKey(name, value string) {
	f.Keys[name] = value
}

// RemoveKey deletes a key, returning its prior value if it existed.
func (f *OpenFiber) RemoveKey(name string) (string, bool) {
	v, ok := f.Keys[name]
	if ok {
		delete(f.Keys, name)
	}
	return v, ok
}

// SetAttribute adds or overwrites an attribute, returning the previous
// value only if it differs from the new one (for conflict detection).
func (f *OpenFiber) SetAttribute(name string, value schema.AttributeValue) (schema.AttributeValue, bool) {
	old, existed := f.Attributes[name]
	f.Attributes[name] = value
	if existed && old != value {
		return old, true
	}
	return schema.AttributeValue{}, false
}

// AttributeConflict records a differing attribute value observed while
// merging two fibers: the name, the value that was kept, and the value
// that was discarded.
type AttributeConflict struct {
	Name    string
	Kept    schema.AttributeValue
	Dropped schema.AttributeValue
}

// Merge folds other into f (f survives), preferring the attribute
// value from whichever fiber was more recently active on conflict, and
// reports every conflicting attribute encountered.
func (f *OpenFiber) Merge(other *OpenFiber) []AttributeConflict {
	var conflicts []AttributeConflict

	for k, v := range other.Keys {
		f.Keys[k] = v
	}

	for name, otherValue := range other.Attributes {
		selfValue, ok := f.Attributes[name]
		if !ok {
			f.Attributes[name] = otherValue
			continue
		}
		if selfValue == otherValue {
			continue
		}
		if other.LastActivity.After(f.LastActivity) {
			conflicts = append(conflicts, AttributeConflict{Name: name, Kept: otherValue, Dropped: selfValue})
			f.Attributes[name] = otherValue
		} else {
			conflicts = append(conflicts, AttributeConflict{Name: name, Kept: selfValue, Dropped: otherValue})
		}
	}

	f.LogIDs = append(f.LogIDs, other.LogIDs...)

	if other.FirstActivity.Before(f.FirstActivity) {
		f.FirstActivity = other.FirstActivity
	}
	if other.LastActivity.After(f.LastActivity) {
		f.LastActivity = other.LastActivity
	}

	return conflicts
}

// IdleDeadline returns the time at which f becomes idle-expired under
// temporal, or ok=false if temporal specifies no timeout.
func IdleDeadline(f *OpenFiber, temporal TemporalConfig) (time.Time, bool) {
	if temporal.MaxGap == nil {
		return time.Time{}, false
	}
	base := f.LastActivity
	if temporal.GapMode == GapFromStart {
		base = f.FirstActivity
	}
	return base.Add(*temporal.MaxGap), true
}
