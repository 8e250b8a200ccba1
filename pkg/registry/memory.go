package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Method names used in call logs and fault matching.
const (
	MethodListPluginTypes  = "ListPluginTypes"
	MethodListSteps        = "ListSteps"
	MethodListImages       = "ListImages"
	MethodCreatePluginType = "CreatePluginType"
	MethodCreateStep       = "CreateStep"
	MethodUpdateStep       = "UpdateStep"
	MethodCreateImage      = "CreateImage"
	MethodUpdateImage      = "UpdateImage"
	MethodDeletePluginType = "DeletePluginType"
	MethodDeleteStep       = "DeleteStep"
	MethodDeleteImage      = "DeleteImage"
)

// PluginTypeRecord is a stored plugin type with the scope it belongs to.
type PluginTypeRecord struct {
	Scope string `json:"scope"`
	engine.RemotePluginType
}

// State is the full content of an in-memory or snapshot registry.
type State struct {
	PluginTypes []PluginTypeRecord   `json:"pluginTypes"`
	Steps       []engine.RemoteStep  `json:"steps"`
	Images      []engine.RemoteImage `json:"images"`
}

// Call is one recorded registry call.
type Call struct {
	Method string
	// Target is the scope for lists, the identity key for creates and the
	// record ID for updates and deletes.
	Target string
}

// IsMutation reports whether the call changes registry state.
func (c Call) IsMutation() bool {
	return !strings.HasPrefix(c.Method, "List")
}

// Fault makes matching calls fail or stall.
type Fault struct {
	// Method to match; empty matches every method.
	Method string

	// Target to match; empty matches every target.
	Target string

	// Err is returned by matching calls.
	Err error

	// Delay stalls matching calls before they return, honoring the context.
	Delay time.Duration

	// Times limits how many calls the fault affects; zero means unlimited.
	Times int

	hits int
}

func (f *Fault) matches(method, target string) bool {
	if f.Times > 0 && f.hits >= f.Times {
		return false
	}
	return (f.Method == "" || f.Method == method) && (f.Target == "" || f.Target == target)
}

// Memory is an in-memory registry. It records every call and supports fault
// injection, and backs the snapshot registry.
type Memory struct {
	mu     sync.Mutex
	seq    int
	state  State
	calls  []Call
	faults []*Fault

	// onChange runs after every successful mutation while mu is held.
	onChange func(State) error
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{}
}

// NewMemoryFromState creates an in-memory registry holding state.
func NewMemoryFromState(state State) *Memory {
	m := &Memory{state: state}
	for _, pt := range state.PluginTypes {
		m.bumpSeq(pt.ID)
	}
	for _, s := range state.Steps {
		m.bumpSeq(s.ID)
	}
	for _, img := range state.Images {
		m.bumpSeq(img.ID)
	}
	return m
}

// bumpSeq keeps generated IDs above any "<prefix>-<n>" ID already stored.
func (m *Memory) bumpSeq(id string) {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return
	}
	if n, err := strconv.Atoi(id[i+1:]); err == nil && n > m.seq {
		m.seq = n
	}
}

// Seed stores every entity of doc under scope, bypassing call logging and faults.
func (m *Memory) Seed(scope string, doc *engine.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeIDs := make(map[string]string)
	for _, pt := range doc.PluginTypes {
		id := m.nextID("pt")
		m.state.PluginTypes = append(m.state.PluginTypes, PluginTypeRecord{
			Scope:            scope,
			RemotePluginType: engine.RemotePluginType{ID: id, PluginType: pt},
		})
		typeIDs[pt.TypeName] = id
	}
	stepIDs := make(map[engine.StepKey]string)
	for _, s := range doc.Steps {
		parent, ok := typeIDs[s.TypeName]
		if !ok {
			parent, ok = m.findTypeID(scope, s.TypeName)
		}
		if !ok {
			return fmt.Errorf("seed: step %s references unknown plugin type", s.Key())
		}
		id := m.nextID("step")
		m.state.Steps = append(m.state.Steps, engine.RemoteStep{ID: id, PluginTypeID: parent, Step: s})
		stepIDs[s.Key()] = id
	}
	for _, img := range doc.Images {
		parent, ok := stepIDs[img.StepKey]
		if !ok {
			return fmt.Errorf("seed: image %s references unknown step", img.Key())
		}
		m.state.Images = append(m.state.Images, engine.RemoteImage{
			ID:         m.nextID("img"),
			StepID:     parent,
			ImageType:  img.ImageType,
			Name:       img.Name,
			Attributes: img.Attributes,
		})
	}
	return nil
}

// InjectFault registers a fault. Faults are checked in registration order.
func (m *Memory) InjectFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &f)
}

// ClearFaults removes all faults.
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Calls returns every recorded call.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// MutationCalls returns the recorded create, update and delete calls.
func (m *Memory) MutationCalls() []Call {
	out := make([]Call, 0)
	for _, c := range m.Calls() {
		if c.IsMutation() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// State returns a copy of the stored records.
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyState()
}

func (m *Memory) copyState() State {
	return State{
		PluginTypes: append([]PluginTypeRecord(nil), m.state.PluginTypes...),
		Steps:       append([]engine.RemoteStep(nil), m.state.Steps...),
		Images:      append([]engine.RemoteImage(nil), m.state.Images...),
	}
}

// begin records a call and applies matching faults. The lock is released
// while a fault delay elapses.
func (m *Memory) begin(ctx context.Context, method, target string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Target: target})
	var fault *Fault
	for _, f := range m.faults {
		if f.matches(method, target) {
			f.hits++
			fault = f
			break
		}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fault == nil {
		return nil
	}
	if fault.Delay > 0 {
		t := time.NewTimer(fault.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fault.Err
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%04d", prefix, m.seq)
}

func (m *Memory) changed() error {
	if m.onChange == nil {
		return nil
	}
	return m.onChange(m.copyState())
}

func (m *Memory) findTypeID(scope, typeName string) (string, bool) {
	for _, pt := range m.state.PluginTypes {
		if pt.Scope == scope && pt.TypeName == typeName {
			return pt.ID, true
		}
	}
	return "", false
}

func (m *Memory) scopeTypes(scope string) map[string]bool {
	ids := make(map[string]bool)
	for _, pt := range m.state.PluginTypes {
		if pt.Scope == scope {
			ids[pt.ID] = true
		}
	}
	return ids
}

// ListPluginTypes returns the plugin types of scope in insertion order.
func (m *Memory) ListPluginTypes(ctx context.Context, scope string) ([]engine.RemotePluginType, error) {
	if err := m.begin(ctx, MethodListPluginTypes, scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.RemotePluginType, 0)
	for _, pt := range m.state.PluginTypes {
		if pt.Scope == scope {
			out = append(out, pt.RemotePluginType)
		}
	}
	return out, nil
}

// ListSteps returns the steps whose plugin type belongs to scope.
func (m *Memory) ListSteps(ctx context.Context, scope string) ([]engine.RemoteStep, error) {
	if err := m.begin(ctx, MethodListSteps, scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	types := m.scopeTypes(scope)
	out := make([]engine.RemoteStep, 0)
	for _, s := range m.state.Steps {
		if types[s.PluginTypeID] {
			s.FilteringAttributes = append([]string(nil), s.FilteringAttributes...)
			out = append(out, s)
		}
	}
	return out, nil
}

// ListImages returns the images whose step belongs to scope.
func (m *Memory) ListImages(ctx context.Context, scope string) ([]engine.RemoteImage, error) {
	if err := m.begin(ctx, MethodListImages, scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	types := m.scopeTypes(scope)
	steps := make(map[string]bool)
	for _, s := range m.state.Steps {
		if types[s.PluginTypeID] {
			steps[s.ID] = true
		}
	}
	out := make([]engine.RemoteImage, 0)
	for _, img := range m.state.Images {
		if steps[img.StepID] {
			img.Attributes = append([]string(nil), img.Attributes...)
			out = append(out, img)
		}
	}
	return out, nil
}

// CreatePluginType stores a plugin type under scope.
func (m *Memory) CreatePluginType(ctx context.Context, scope string, pt engine.PluginType) (string, error) {
	if err := m.begin(ctx, MethodCreatePluginType, pt.Key()); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.findTypeID(scope, pt.TypeName); exists {
		return "", engine.NewConflictError(fmt.Sprintf("plugin type %s already exists", pt.TypeName), nil)
	}
	id := m.nextID("pt")
	m.state.PluginTypes = append(m.state.PluginTypes, PluginTypeRecord{
		Scope:            scope,
		RemotePluginType: engine.RemotePluginType{ID: id, PluginType: pt},
	})
	return id, m.changed()
}

// CreateStep stores a step under the plugin type with the given ID.
func (m *Memory) CreateStep(ctx context.Context, pluginTypeID string, step engine.Step) (string, error) {
	if err := m.begin(ctx, MethodCreateStep, step.Key().String()); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, pt := range m.state.PluginTypes {
		if pt.ID == pluginTypeID {
			found = true
			break
		}
	}
	if !found {
		return "", notFound("plugin type", pluginTypeID)
	}
	id := m.nextID("step")
	step.FilteringAttributes = append([]string(nil), step.FilteringAttributes...)
	m.state.Steps = append(m.state.Steps, engine.RemoteStep{ID: id, PluginTypeID: pluginTypeID, Step: step})
	return id, m.changed()
}

// UpdateStep applies changes to the step with the given ID.
func (m *Memory) UpdateStep(ctx context.Context, id string, changes []engine.FieldChange) error {
	if err := m.begin(ctx, MethodUpdateStep, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Steps {
		if m.state.Steps[i].ID == id {
			if err := ApplyStepChanges(&m.state.Steps[i].Step, changes); err != nil {
				return err
			}
			return m.changed()
		}
	}
	return notFound("step", id)
}

// CreateImage stores an image under the step with the given ID.
func (m *Memory) CreateImage(ctx context.Context, stepID string, img engine.Image) (string, error) {
	if err := m.begin(ctx, MethodCreateImage, img.Key().String()); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, s := range m.state.Steps {
		if s.ID == stepID {
			found = true
			break
		}
	}
	if !found {
		return "", notFound("step", stepID)
	}
	id := m.nextID("img")
	m.state.Images = append(m.state.Images, engine.RemoteImage{
		ID:         id,
		StepID:     stepID,
		ImageType:  img.ImageType,
		Name:       img.Name,
		Attributes: append([]string(nil), img.Attributes...),
	})
	return id, m.changed()
}

// UpdateImage applies changes to the image with the given ID.
func (m *Memory) UpdateImage(ctx context.Context, id string, changes []engine.FieldChange) error {
	if err := m.begin(ctx, MethodUpdateImage, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Images {
		if m.state.Images[i].ID == id {
			if err := ApplyImageChanges(&m.state.Images[i], changes); err != nil {
				return err
			}
			return m.changed()
		}
	}
	return notFound("image", id)
}

// DeletePluginType removes a plugin type. It fails with a conflict while the
// plugin type still has steps.
func (m *Memory) DeletePluginType(ctx context.Context, id string) error {
	if err := m.begin(ctx, MethodDeletePluginType, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.state.Steps {
		if s.PluginTypeID == id {
			return engine.NewConflictError(fmt.Sprintf("plugin type %s still has step %s", id, s.ID), nil)
		}
	}
	for i, pt := range m.state.PluginTypes {
		if pt.ID == id {
			m.state.PluginTypes = append(m.state.PluginTypes[:i], m.state.PluginTypes[i+1:]...)
			return m.changed()
		}
	}
	return notFound("plugin type", id)
}

// DeleteStep removes a step and any images still attached to it.
func (m *Memory) DeleteStep(ctx context.Context, id string) error {
	if err := m.begin(ctx, MethodDeleteStep, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, s := range m.state.Steps {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return notFound("step", id)
	}
	m.state.Steps = append(m.state.Steps[:idx], m.state.Steps[idx+1:]...)
	images := m.state.Images[:0]
	for _, img := range m.state.Images {
		if img.StepID != id {
			images = append(images, img)
		}
	}
	m.state.Images = images
	return m.changed()
}

// DeleteImage removes an image.
func (m *Memory) DeleteImage(ctx context.Context, id string) error {
	if err := m.begin(ctx, MethodDeleteImage, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, img := range m.state.Images {
		if img.ID == id {
			m.state.Images = append(m.state.Images[:i], m.state.Images[i+1:]...)
			return m.changed()
		}
	}
	return notFound("image", id)
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %s not found", kind, id), nil).
		WithCode(engine.ErrCodeNotFound)
}
