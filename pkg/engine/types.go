package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EntityKind identifies one of the three registration record kinds.
type EntityKind string

const (
	// KindPluginType is a registered code unit (assembly-qualified class).
	KindPluginType EntityKind = "plugintype"

	// KindStep binds a plugin type to a message, entity and stage.
	KindStep EntityKind = "step"

	// KindImage is a pre/post entity snapshot attached to a step.
	KindImage EntityKind = "image"
)

// Kinds lists entity kinds in dependency order (parents first).
var Kinds = []EntityKind{KindPluginType, KindStep, KindImage}

// Validate checks if the entity kind is valid.
func (k EntityKind) Validate() error {
	switch k {
	case KindPluginType, KindStep, KindImage:
		return nil
	default:
		return fmt.Errorf("invalid entity kind: %s", k)
	}
}

// Stage is the pipeline stage a step executes in.
type Stage int

const (
	// StagePreValidation runs before the main system operation, outside the transaction.
	StagePreValidation Stage = 10

	// StagePreOperation runs before the main system operation, inside the transaction.
	StagePreOperation Stage = 20

	// StagePostOperation runs after the main system operation.
	StagePostOperation Stage = 40
)

var stageNames = map[Stage]string{
	StagePreValidation: "PreValidation",
	StagePreOperation:  "PreOperation",
	StagePostOperation: "PostOperation",
}

// String returns the canonical stage name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Validate checks if the stage is one of the registrable stages.
func (s Stage) Validate() error {
	if _, ok := stageNames[s]; !ok {
		return fmt.Errorf("invalid stage: %d", int(s))
	}
	return nil
}

// ParseStage accepts a stage name (case-insensitive) or its platform code.
func ParseStage(v string) (Stage, error) {
	v = strings.TrimSpace(v)
	if code, err := strconv.Atoi(v); err == nil {
		s := Stage(code)
		return s, s.Validate()
	}
	for stage, name := range stageNames {
		if strings.EqualFold(name, v) {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("invalid stage: %q", v)
}

// MarshalJSON encodes the stage by name.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a stage name or platform code.
func (s *Stage) UnmarshalJSON(data []byte) error {
	parsed, err := ParseStage(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Mode is the execution mode of a step.
type Mode int

const (
	// ModeSynchronous executes the step inline with the triggering request.
	ModeSynchronous Mode = 0

	// ModeAsynchronous queues the step for background execution.
	ModeAsynchronous Mode = 1
)

// String returns the canonical mode name.
func (m Mode) String() string {
	switch m {
	case ModeSynchronous:
		return "Synchronous"
	case ModeAsynchronous:
		return "Asynchronous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	if m != ModeSynchronous && m != ModeAsynchronous {
		return fmt.Errorf("invalid mode: %d", int(m))
	}
	return nil
}

// ParseMode accepts a mode name (case-insensitive, "sync"/"async" allowed) or its platform code.
func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "synchronous", "sync":
		return ModeSynchronous, nil
	case "1", "asynchronous", "async":
		return ModeAsynchronous, nil
	}
	return 0, fmt.Errorf("invalid mode: %q", v)
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a mode name or platform code.
func (m *Mode) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMode(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ImageType selects which entity snapshot an image captures.
type ImageType int

const (
	// ImagePre captures the record before the core operation.
	ImagePre ImageType = 0

	// ImagePost captures the record after the core operation.
	ImagePost ImageType = 1

	// ImageBoth captures both snapshots.
	ImageBoth ImageType = 2
)

// String returns the canonical image type name.
func (t ImageType) String() string {
	switch t {
	case ImagePre:
		return "PreImage"
	case ImagePost:
		return "PostImage"
	case ImageBoth:
		return "Both"
	default:
		return fmt.Sprintf("ImageType(%d)", int(t))
	}
}

// Validate checks if the image type is valid.
func (t ImageType) Validate() error {
	if t < ImagePre || t > ImageBoth {
		return fmt.Errorf("invalid image type: %d", int(t))
	}
	return nil
}

// ParseImageType accepts an image type name (case-insensitive) or its platform code.
func ParseImageType(v string) (ImageType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "preimage", "pre":
		return ImagePre, nil
	case "1", "postimage", "post":
		return ImagePost, nil
	case "2", "both":
		return ImageBoth, nil
	}
	return 0, fmt.Errorf("invalid image type: %q", v)
}

// MarshalJSON encodes the image type by name.
func (t ImageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts an image type name or platform code.
func (t *ImageType) UnmarshalJSON(data []byte) error {
	parsed, err := ParseImageType(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PluginType is a registered unit of custom business logic.
type PluginType struct {
	// TypeName is the fully qualified class name, unique within the assembly.
	TypeName string `json:"typeName"`

	// AssemblyID identifies the assembly the type is compiled into.
	AssemblyID string `json:"assemblyId,omitempty"`
}

// Key returns the identity key of the plugin type.
func (p PluginType) Key() string {
	return p.TypeName
}

// StepKey is the identity of a step. Mode, rank and filters are not part of it.
type StepKey struct {
	TypeName      string `json:"typeName"`
	Message       string `json:"message"`
	PrimaryEntity string `json:"primaryEntity"`
	Stage         Stage  `json:"stage"`
}

// String renders the key as TypeName/Message/PrimaryEntity/Stage.
func (k StepKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TypeName, k.Message, k.PrimaryEntity, k.Stage)
}

// WildcardEntity is the primary entity of a step registered for every
// entity. Declarations may also spell it "*".
const WildcardEntity = "none"

// CanonicalEntity returns the primary entity as it appears in step keys.
func CanonicalEntity(entity string) string {
	entity = strings.TrimSpace(entity)
	if entity == "*" || strings.EqualFold(entity, WildcardEntity) {
		return WildcardEntity
	}
	return entity
}

// Step registers a plugin type against a platform event.
type Step struct {
	TypeName            string   `json:"typeName"`
	Message             string   `json:"message"`
	PrimaryEntity       string   `json:"primaryEntity"`
	Stage               Stage    `json:"stage"`
	Mode                Mode     `json:"mode"`
	Rank                int      `json:"rank"`
	FilteringAttributes []string `json:"filteringAttributes,omitempty"`
	Configuration       string   `json:"configuration,omitempty"`
}

// Key returns the identity key of the step.
func (s Step) Key() StepKey {
	return StepKey{
		TypeName:      s.TypeName,
		Message:       s.Message,
		PrimaryEntity: s.PrimaryEntity,
		Stage:         s.Stage,
	}
}

// ImageKey is the identity of an image.
type ImageKey struct {
	Step      StepKey   `json:"stepKey"`
	ImageType ImageType `json:"imageType"`
	Name      string    `json:"name"`
}

// String renders the key as <step key>#ImageType:Name.
func (k ImageKey) String() string {
	return fmt.Sprintf("%s#%s:%s", k.Step, k.ImageType, k.Name)
}

// Image requests an entity snapshot for the owning step.
type Image struct {
	StepKey    StepKey   `json:"stepKey"`
	ImageType  ImageType `json:"imageType"`
	Name       string    `json:"name"`
	Attributes []string  `json:"attributes,omitempty"`
}

// Key returns the identity key of the image.
func (i Image) Key() ImageKey {
	return ImageKey{Step: i.StepKey, ImageType: i.ImageType, Name: i.Name}
}

// NormalizeSet trims, de-duplicates and sorts a set-valued field.
// Empty input yields nil, which means "all fields".
func NormalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// setsEqual compares two sets ignoring order and duplicates.
func setsEqual(a, b []string) bool {
	a, b = NormalizeSet(a), NormalizeSet(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
