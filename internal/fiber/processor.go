package fiber

import (
	"encoding/json"
	"time"

	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

var fiberLog = log.Tagged(log.ComponentFiber)

type keyTuple struct {
	name  string
	value string
}

// patternMatchInfo is the owned result of matching one log line against
// one of a fiber type's compiled patterns.
type patternMatchInfo struct {
	extracted               map[string]string
	releaseMatchingPeerKeys []string
	releaseSelfKeys         []string
	close                   bool
}

// ProcessResult summarizes the storage-facing side effects of
// processing one log record against one fiber type.
type ProcessResult struct {
	Memberships     []schema.FiberMembership
	NewFibers       []schema.FiberRecord
	UpdatedFibers   []schema.FiberRecord
	ClosedFiberIDs  []uuid.UUID
	MergedFiberIDs  []uuid.UUID
}

func (r *ProcessResult) hasNewFiber(id uuid.UUID) bool {
	for _, f := range r.NewFibers {
		if f.FiberID == id {
			return true
		}
	}
	return false
}

func (r *ProcessResult) hasClosedFiber(id uuid.UUID) bool {
	for _, fid := range r.ClosedFiberIDs {
		if fid == id {
			return true
		}
	}
	return false
}

func (r *ProcessResult) hasUpdatedFiber(id uuid.UUID) bool {
	for _, f := range r.UpdatedFibers {
		if f.FiberID == id {
			return true
		}
	}
	return false
}

// FiberTypeProcessor runs the stateful correlation algorithm for a
// single compiled fiber type: matching incoming log lines, tracking
// open fibers, merging on shared keys, and closing on explicit
// close-patterns or idle timeout.
type FiberTypeProcessor struct {
	fiberType     *CompiledFiberType
	configVersion uint64
	openFibers    map[uuid.UUID]*OpenFiber
	keyIndex      map[keyTuple]uuid.UUID
	logicalClock  time.Time
	hasClock      bool
}

// NewFiberTypeProcessor creates a processor for fiberType.
func NewFiberTypeProcessor(fiberType *CompiledFiberType, configVersion uint64) *FiberTypeProcessor {
	return &FiberTypeProcessor{
		fiberType:     fiberType,
		configVersion: configVersion,
		openFibers:    make(map[uuid.UUID]*OpenFiber),
		keyIndex:      make(map[keyTuple]uuid.UUID),
	}
}

// FiberTypeName returns the name of the compiled fiber type this
// processor runs.
func (p *FiberTypeProcessor) FiberTypeName() string { return p.fiberType.Name }

// OpenFiberCount returns the number of fibers currently open.
func (p *FiberTypeProcessor) OpenFiberCount() int { return len(p.openFibers) }

// ProcessLog runs one log record through the ten-step correlation
// algorithm: pattern match, derived-attribute computation,
// release_matching_peer_keys, fiber lookup/create/merge, attribute
// update, release_self_keys, explicit close, and idle-timeout sweep.
func (p *FiberTypeProcessor) ProcessLog(record schema.LogRecord) ProcessResult {
	var result ProcessResult

	p.hasClock = true
	p.logicalClock = record.Timestamp

	patterns, ok := p.fiberType.SourcePatterns[record.SourceID]
	if !ok {
		p.checkTimeouts(record.Timestamp.UnixNano(), &result)
		return result
	}

	match, ok := p.extractAttributesWithInfo(record, patterns)
	if !ok {
		p.checkTimeouts(record.Timestamp.UnixNano(), &result)
		return result
	}

	allAttrs := make(map[string]string, len(match.extracted))
	for k, v := range match.extracted {
		allAttrs[k] = v
	}
	p.computeDerivedAttributes(allAttrs)

	p.releaseMatchingPeerKeysByName(match.releaseMatchingPeerKeys, match.extracted, &result)

	matchingFiberIDs := p.findMatchingFibers(allAttrs)

	var targetFiberID uuid.UUID
	isNewFiber := false
	switch len(matchingFiberIDs) {
	case 0:
		fiber := NewOpenFiber(p.fiberType.Name, record.Timestamp)
		targetFiberID = fiber.FiberID
		p.openFibers[targetFiberID] = fiber
		isNewFiber = true
	case 1:
		targetFiberID = matchingFiberIDs[0]
	default:
		targetFiberID = p.mergeFibers(matchingFiberIDs, &result)
	}

	p.updateFiberWithAttributes(targetFiberID, record, allAttrs)

	if isNewFiber {
		result.NewFibers = append(result.NewFibers, p.fiberToRecord(targetFiberID))
	}

	result.Memberships = append(result.Memberships, schema.FiberMembership{
		LogID:         record.ID,
		FiberID:       targetFiberID,
		ConfigVersion: p.configVersion,
	})

	p.releaseSelfKeysByName(match.releaseSelfKeys, targetFiberID)

	if match.close {
		p.closeFiber(targetFiberID, &result)
	}

	p.checkTimeouts(record.Timestamp.UnixNano(), &result)

	if !result.hasNewFiber(targetFiberID) && !result.hasClosedFiber(targetFiberID) {
		result.UpdatedFibers = append(result.UpdatedFibers, p.fiberToRecord(targetFiberID))
	}

	return result
}

func (p *FiberTypeProcessor) extractAttributesWithInfo(record schema.LogRecord, patterns []CompiledPattern) (patternMatchInfo, bool) {
	for _, pattern := range patterns {
		m := pattern.Regex.FindStringSubmatch(record.RawText)
		if m == nil {
			continue
		}
		extracted := make(map[string]string)
		for _, name := range pattern.Regex.SubexpNames() {
			if name == "" {
				continue
			}
			idx := pattern.Regex.SubexpIndex(name)
			if idx >= 0 && idx < len(m) && m[idx] != "" {
				extracted[name] = m[idx]
			}
		}
		return patternMatchInfo{
			extracted:               extracted,
			releaseMatchingPeerKeys: pattern.ReleaseMatchingPeerKeys,
			releaseSelfKeys:         pattern.ReleaseSelfKeys,
			close:                   pattern.Close,
		}, true
	}
	return patternMatchInfo{}, false
}

func (p *FiberTypeProcessor) computeDerivedAttributes(attrs map[string]string) {
	for _, name := range p.fiberType.DerivedOrder {
		tmpl, ok := p.fiberType.DerivedTemplates[name]
		if !ok {
			continue
		}
		if value, ok := tmpl.interpolate(attrs); ok {
			attrs[name] = value
		}
	}
}

func (p *FiberTypeProcessor) releaseMatchingPeerKeysByName(keyNames []string, extracted map[string]string, result *ProcessResult) {
	for _, keyName := range keyNames {
		value, ok := extracted[keyName]
		if !ok {
			continue
		}
		kt := keyTuple{name: keyName, value: value}
		fiberID, ok := p.keyIndex[kt]
		if !ok {
			continue
		}
		if fiber, ok := p.openFibers[fiberID]; ok {
			fiber.RemoveKey(keyName)
			delete(p.keyIndex, kt)
			if !result.hasUpdatedFiber(fiberID) {
				result.UpdatedFibers = append(result.UpdatedFibers, p.fiberToRecord(fiberID))
			}
		}
	}
}

func (p *FiberTypeProcessor) updateFiberWithAttributes(fiberID uuid.UUID, record schema.LogRecord, allAttrs map[string]string) {
	fiber, ok := p.openFibers[fiberID]
	if !ok {
		return
	}
	fiber.AddLog(record.ID, record.Timestamp)

	type keyUpdate struct {
		name, value string
		oldValue    *string
	}
	var keyUpdates []keyUpdate

	for name, value := range allAttrs {
		if attrType, ok := p.fiberType.AttributeType(name); ok {
			if typed, ok := ParseAttributeValue(value, attrType); ok {
				if old, changed := fiber.SetAttribute(name, typed); changed {
					fiberLog.Warnf("%s: attribute %q changed from %v to %q", fiber.FiberID, name, old, value)
				}
			}
		}

		if p.fiberType.KeyNames[name] {
			old, existed := fiber.Keys[name]
			if !existed || old != value {
				var oldPtr *string
				if existed {
					o := old
					oldPtr = &o
				}
				keyUpdates = append(keyUpdates, keyUpdate{name: name, value: value, oldValue: oldPtr})
			}
			fiber.SetKey(name, value)
		}
	}

	for _, ku := range keyUpdates {
		if ku.oldValue != nil {
			delete(p.keyIndex, keyTuple{name: ku.name, value: *ku.oldValue})
		}
		p.keyIndex[keyTuple{name: ku.name, value: ku.value}] = fiberID
	}
}

func (p *FiberTypeProcessor) findMatchingFibers(attrs map[string]string) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for name, value := range attrs {
		if !p.fiberType.KeyNames[name] {
			continue
		}
		if fiberID, ok := p.keyIndex[keyTuple{name: name, value: value}]; ok {
			if !seen[fiberID] {
				seen[fiberID] = true
				out = append(out, fiberID)
			}
		}
	}
	return out
}

func (p *FiberTypeProcessor) mergeFibers(fiberIDs []uuid.UUID, result *ProcessResult) uuid.UUID {
	survivorID := fiberIDs[0]
	for _, id := range fiberIDs[1:] {
		if f, ok := p.openFibers[id]; ok {
			if s, ok := p.openFibers[survivorID]; !ok || f.FirstActivity.Before(s.FirstActivity) {
				survivorID = id
			}
		}
	}

	for _, fiberID := range fiberIDs {
		if fiberID == survivorID {
			continue
		}
		other, ok := p.openFibers[fiberID]
		if !ok {
			continue
		}
		delete(p.openFibers, fiberID)

		for keyName, value := range other.Keys {
			p.keyIndex[keyTuple{name: keyName, value: value}] = survivorID
		}

		if survivor, ok := p.openFibers[survivorID]; ok {
			conflicts := survivor.Merge(other)
			for _, c := range conflicts {
				fiberLog.Warnf("merge %s<-%s: attribute %q conflict, kept=%v dropped=%v", survivorID, fiberID, c.Name, c.Kept, c.Dropped)
			}
		}

		result.MergedFiberIDs = append(result.MergedFiberIDs, fiberID)
	}

	return survivorID
}

func (p *FiberTypeProcessor) releaseSelfKeysByName(keyNames []string, fiberID uuid.UUID) {
	fiber, ok := p.openFibers[fiberID]
	if !ok {
		return
	}
	for _, keyName := range keyNames {
		if value, ok := fiber.RemoveKey(keyName); ok {
			delete(p.keyIndex, keyTuple{name: keyName, value: value})
		}
	}
}

func (p *FiberTypeProcessor) closeFiber(fiberID uuid.UUID, result *ProcessResult) {
	fiber, ok := p.openFibers[fiberID]
	if !ok {
		return
	}
	delete(p.openFibers, fiberID)
	for keyName, value := range fiber.Keys {
		delete(p.keyIndex, keyTuple{name: keyName, value: value})
	}
	result.ClosedFiberIDs = append(result.ClosedFiberIDs, fiberID)
}

func (p *FiberTypeProcessor) checkTimeouts(clockNanos int64, result *ProcessResult) {
	if p.fiberType.Temporal.MaxGap == nil {
		return
	}
	maxGap := p.fiberType.Temporal.MaxGap.Nanoseconds()

	var toClose []uuid.UUID
	for fiberID, fiber := range p.openFibers {
		reference := fiber.LastActivity
		if p.fiberType.Temporal.GapMode == GapFromStart {
			reference = fiber.FirstActivity
		}
		if clockNanos-reference.UnixNano() > maxGap {
			toClose = append(toClose, fiberID)
		}
	}

	for _, fiberID := range toClose {
		p.closeFiber(fiberID, result)
	}
}

func (p *FiberTypeProcessor) fiberToRecord(fiberID uuid.UUID) schema.FiberRecord {
	fiber := p.openFibers[fiberID]
	attrsJSON, err := json.Marshal(fiber.Attributes)
	if err != nil {
		attrsJSON = []byte("null")
	}
	return schema.FiberRecord{
		FiberID:       fiber.FiberID,
		FiberType:     fiber.FiberType,
		ConfigVersion: p.configVersion,
		Attributes:    string(attrsJSON),
		FirstActivity: fiber.FirstActivity,
		LastActivity:  fiber.LastActivity,
		Closed:        false,
	}
}

// Flush closes every open fiber without applying the timeout check,
// used when shutting down or rewinding.
func (p *FiberTypeProcessor) Flush() ProcessResult {
	var result ProcessResult
	ids := make([]uuid.UUID, 0, len(p.openFibers))
	for id := range p.openFibers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		p.closeFiber(id, &result)
	}
	return result
}

// Checkpoint captures this processor's open-fiber state for persistence.
func (p *FiberTypeProcessor) Checkpoint() schema.FiberProcessorCheckpoint {
	cp := schema.FiberProcessorCheckpoint{LogicalClock: p.logicalClock}
	for _, fiber := range p.openFibers {
		attrs := make(map[string]schema.AttributeValue, len(fiber.Attributes))
		for k, v := range fiber.Attributes {
			attrs[k] = v
		}
		cp.OpenFibers = append(cp.OpenFibers, schema.OpenFiberCheckpoint{
			FiberID:       fiber.FiberID,
			Keys:          fiber.Keys,
			Attributes:    attrs,
			FirstActivity: fiber.FirstActivity,
			LastActivity:  fiber.LastActivity,
			LogIDs:        fiber.LogIDs,
		})
	}
	return cp
}

// Restore replaces this processor's open-fiber state from a checkpoint.
func (p *FiberTypeProcessor) Restore(cp schema.FiberProcessorCheckpoint) {
	p.openFibers = make(map[uuid.UUID]*OpenFiber)
	p.keyIndex = make(map[keyTuple]uuid.UUID)
	p.logicalClock = cp.LogicalClock
	p.hasClock = true

	for _, fcp := range cp.OpenFibers {
		attrs := make(map[string]schema.AttributeValue, len(fcp.Attributes))
		for k, v := range fcp.Attributes {
			attrs[k] = v
		}

		fiber := &OpenFiber{
			FiberID:       fcp.FiberID,
			FiberType:     p.fiberType.Name,
			Keys:          fcp.Keys,
			Attributes:    attrs,
			FirstActivity: fcp.FirstActivity,
			LastActivity:  fcp.LastActivity,
			LogIDs:        fcp.LogIDs,
		}
		if fiber.Keys == nil {
			fiber.Keys = make(map[string]string)
		}

		for keyName, value := range fiber.Keys {
			p.keyIndex[keyTuple{name: keyName, value: value}] = fiber.FiberID
		}
		p.openFibers[fiber.FiberID] = fiber
	}
}

// FiberProcessor coordinates one FiberTypeProcessor per configured
// fiber type, fanning each incoming log record out to all of them.
type FiberProcessor struct {
	processors map[string]*FiberTypeProcessor
}

// NewFiberProcessor compiles every fiber type in typeConfigs and
// returns a coordinator ready to process logs.
func NewFiberProcessor(typeConfigs map[string]TypeConfig, configVersion uint64) (*FiberProcessor, error) {
	processors := make(map[string]*FiberTypeProcessor, len(typeConfigs))
	for name, cfg := range typeConfigs {
		compiled, err := Compile(name, cfg)
		if err != nil {
			return nil, err
		}
		processors[name] = NewFiberTypeProcessor(compiled, configVersion)
	}
	return &FiberProcessor{processors: processors}, nil
}

// ProcessLog runs record through every fiber type processor.
func (fp *FiberProcessor) ProcessLog(record schema.LogRecord) []ProcessResult {
	results := make([]ProcessResult, 0, len(fp.processors))
	for _, p := range fp.processors {
		results = append(results, p.ProcessLog(record))
	}
	return results
}

// TotalOpenFibers sums OpenFiberCount across every fiber type.
func (fp *FiberProcessor) TotalOpenFibers() int {
	total := 0
	for _, p := range fp.processors {
		total += p.OpenFiberCount()
	}
	return total
}

// Processor returns the named fiber type's processor, if any.
func (fp *FiberProcessor) Processor(fiberType string) (*FiberTypeProcessor, bool) {
	p, ok := fp.processors[fiberType]
	return p, ok
}

// Flush closes every open fiber across every fiber type.
func (fp *FiberProcessor) Flush() []ProcessResult {
	results := make([]ProcessResult, 0, len(fp.processors))
	for _, p := range fp.processors {
		results = append(results, p.Flush())
	}
	return results
}

// Checkpoint captures every fiber type processor's state, keyed by
// fiber type name.
func (fp *FiberProcessor) Checkpoint() map[string]schema.FiberProcessorCheckpoint {
	out := make(map[string]schema.FiberProcessorCheckpoint, len(fp.processors))
	for name, p := range fp.processors {
		out[name] = p.Checkpoint()
	}
	return out
}

// Restore replaces state in every processor named in checkpoints,
// warning about (and skipping) any fiber type no longer present in the
// current configuration.
func (fp *FiberProcessor) Restore(checkpoints map[string]schema.FiberProcessorCheckpoint) {
	for fiberType, cp := range checkpoints {
		if p, ok := fp.processors[fiberType]; ok {
			p.Restore(cp)
		} else {
			fiberLog.Warnf("checkpoint contains fiber type %q not in current config, skipping", fiberType)
		}
	}
}

// HasProcessorForSource reports whether any fiber type has patterns
// registered against sourceID.
func (fp *FiberProcessor) HasProcessorForSource(sourceID string) bool {
	for _, p := range fp.processors {
		if p.fiberType.HasSource(sourceID) {
			return true
		}
	}
	return false
}

// AddSourceFiberType dynamically registers an auto-source fiber type
// for sourceID: a fiber type with a single always-match pattern whose
// fibers track "everything from this source" independent of any
// traced fiber type. The parent runner does not call it. Returns
// added=false if a processor for this source already exists.
func (fp *FiberProcessor) AddSourceFiberType(sourceID string, configVersion uint64) (bool, error) {
	if _, exists := fp.processors[sourceID]; exists {
		return false, nil
	}

	cfg := AutoSourceFiberConfig(sourceID)
	compiled, err := Compile(sourceID, cfg)
	if err != nil {
		return false, err
	}

	fiberLog.Infof("dynamically added source fiber type processor for %q", sourceID)
	fp.processors[sourceID] = NewFiberTypeProcessor(compiled, configVersion)
	return true, nil
}

// FiberTypeNames returns the names of every configured fiber type.
func (fp *FiberProcessor) FiberTypeNames() []string {
	out := make([]string, 0, len(fp.processors))
	for name := range fp.processors {
		out = append(out, name)
	}
	return out
}

// AutoSourceFiberConfig builds the synthetic fiber type configuration
// used to track "every log line from this source" as its own fiber:
// a single pattern that matches unconditionally and never closes, a
// derived key attribute fixed to the source id so every line joins the
// same fiber, and an infinite max_gap so the fiber spans the source's
// entire observed lifetime.
func AutoSourceFiberConfig(sourceID string) TypeConfig {
	sourceKey := sourceID
	return TypeConfig{
		Temporal:   TemporalConfig{MaxGap: nil, GapMode: GapFromStart},
		Attributes: []AttributeDef{{Name: "source", Type: schema.AttributeString, IsKey: true, Derived: &sourceKey}},
		Sources: map[string]SourceConfig{
			sourceID: {Patterns: []PatternConfig{{Regex: `(?P<_source>)`}}},
		},
		IsSourceFiber: true,
	}
}
