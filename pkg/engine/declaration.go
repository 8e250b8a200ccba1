package engine

import (
	"fmt"
	"strings"
)

// Document is the declaration document produced by the metadata extractor.
// It is the complete desired state of one scope.
type Document struct {
	PluginTypes []PluginType `json:"pluginTypes"`
	Steps       []Step       `json:"steps"`
	Images      []Image      `json:"images"`
}

// DesiredState is a validated Document indexed by identity key.
// Slices preserve document order, which the plan uses for creates and updates.
type DesiredState struct {
	PluginTypes []PluginType
	Steps       []Step
	Images      []Image

	pluginTypes map[string]*PluginType
	steps       map[StepKey]*Step
	images      map[ImageKey]*Image
}

// NewDesiredState validates a document and builds the declaration model.
// Set-valued fields are normalized so reordering them never produces a diff,
// and primary entities are canonicalized the way the state loader reads them.
func NewDesiredState(doc *Document) (*DesiredState, error) {
	if doc == nil {
		return nil, NewMalformedDeclarationError("declaration document is nil")
	}

	ds := &DesiredState{
		PluginTypes: make([]PluginType, 0, len(doc.PluginTypes)),
		Steps:       make([]Step, 0, len(doc.Steps)),
		Images:      make([]Image, 0, len(doc.Images)),
		pluginTypes: make(map[string]*PluginType, len(doc.PluginTypes)),
		steps:       make(map[StepKey]*Step, len(doc.Steps)),
		images:      make(map[ImageKey]*Image, len(doc.Images)),
	}

	for i, pt := range doc.PluginTypes {
		if strings.TrimSpace(pt.TypeName) == "" {
			return nil, NewMalformedDeclarationError(fmt.Sprintf("pluginTypes[%d]: typeName is required", i))
		}
		if _, dup := ds.pluginTypes[pt.TypeName]; dup {
			return nil, NewDuplicateDeclarationError(KindPluginType, pt.TypeName)
		}
		ds.PluginTypes = append(ds.PluginTypes, pt)
		ds.pluginTypes[pt.TypeName] = nil
	}
	for i := range ds.PluginTypes {
		ds.pluginTypes[ds.PluginTypes[i].TypeName] = &ds.PluginTypes[i]
	}

	for i, s := range doc.Steps {
		if err := validateStep(i, s); err != nil {
			return nil, err
		}
		s.PrimaryEntity = CanonicalEntity(s.PrimaryEntity)
		if _, ok := ds.pluginTypes[s.TypeName]; !ok {
			return nil, NewMalformedDeclarationError(
				fmt.Sprintf("steps[%d] references undeclared plugin type %q", i, s.TypeName)).
				WithResource(s.Key().String())
		}
		key := s.Key()
		if _, dup := ds.steps[key]; dup {
			return nil, NewDuplicateDeclarationError(KindStep, key.String())
		}
		s.FilteringAttributes = NormalizeSet(s.FilteringAttributes)
		ds.Steps = append(ds.Steps, s)
		ds.steps[key] = nil
	}
	for i := range ds.Steps {
		ds.steps[ds.Steps[i].Key()] = &ds.Steps[i]
	}

	for i, img := range doc.Images {
		if strings.TrimSpace(img.Name) == "" {
			return nil, NewMalformedDeclarationError(fmt.Sprintf("images[%d]: name is required", i))
		}
		if err := img.ImageType.Validate(); err != nil {
			return nil, NewMalformedDeclarationError(fmt.Sprintf("images[%d]: %v", i, err))
		}
		img.StepKey.PrimaryEntity = CanonicalEntity(img.StepKey.PrimaryEntity)
		if _, ok := ds.steps[img.StepKey]; !ok {
			return nil, NewMalformedDeclarationError(
				fmt.Sprintf("images[%d] references undeclared step %s", i, img.StepKey)).
				WithResource(img.Key().String())
		}
		key := img.Key()
		if _, dup := ds.images[key]; dup {
			return nil, NewDuplicateDeclarationError(KindImage, key.String())
		}
		img.Attributes = NormalizeSet(img.Attributes)
		ds.Images = append(ds.Images, img)
		ds.images[key] = nil
	}
	for i := range ds.Images {
		ds.images[ds.Images[i].Key()] = &ds.Images[i]
	}

	return ds, nil
}

func validateStep(i int, s Step) error {
	switch {
	case strings.TrimSpace(s.TypeName) == "":
		return NewMalformedDeclarationError(fmt.Sprintf("steps[%d]: typeName is required", i))
	case strings.TrimSpace(s.Message) == "":
		return NewMalformedDeclarationError(fmt.Sprintf("steps[%d]: message is required", i))
	case strings.TrimSpace(s.PrimaryEntity) == "":
		return NewMalformedDeclarationError(fmt.Sprintf("steps[%d]: primaryEntity is required", i))
	}
	if err := s.Stage.Validate(); err != nil {
		return NewMalformedDeclarationError(fmt.Sprintf("steps[%d]: %v", i, err))
	}
	if err := s.Mode.Validate(); err != nil {
		return NewMalformedDeclarationError(fmt.Sprintf("steps[%d]: %v", i, err))
	}
	return nil
}

// PluginType returns the declared plugin type with the given name.
func (ds *DesiredState) PluginType(typeName string) (*PluginType, bool) {
	pt, ok := ds.pluginTypes[typeName]
	return pt, ok
}

// Step returns the declared step with the given key.
func (ds *DesiredState) Step(key StepKey) (*Step, bool) {
	s, ok := ds.steps[key]
	return s, ok
}

// Image returns the declared image with the given key.
func (ds *DesiredState) Image(key ImageKey) (*Image, bool) {
	img, ok := ds.images[key]
	return img, ok
}

// Len returns the number of declared entities of all kinds.
func (ds *DesiredState) Len() int {
	return len(ds.PluginTypes) + len(ds.Steps) + len(ds.Images)
}
