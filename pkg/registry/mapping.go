package registry

import (
	"fmt"
	"strings"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// ApplyStepChanges writes the After values of changes into step.
func ApplyStepChanges(step *engine.Step, changes []engine.FieldChange) error {
	for _, c := range changes {
		switch c.Field {
		case engine.FieldMode:
			mode, ok := c.After.(engine.Mode)
			if !ok {
				return invalidChange(c)
			}
			step.Mode = mode
		case engine.FieldRank:
			rank, ok := c.After.(int)
			if !ok {
				return invalidChange(c)
			}
			step.Rank = rank
		case engine.FieldFilteringAttributes:
			attrs, ok := c.After.([]string)
			if !ok && c.After != nil {
				return invalidChange(c)
			}
			step.FilteringAttributes = append([]string(nil), attrs...)
		case engine.FieldConfiguration:
			cfg, ok := c.After.(string)
			if !ok {
				return invalidChange(c)
			}
			step.Configuration = cfg
		default:
			return invalidChange(c)
		}
	}
	return nil
}

// ApplyImageChanges writes the After values of changes into img.
func ApplyImageChanges(img *engine.RemoteImage, changes []engine.FieldChange) error {
	for _, c := range changes {
		if c.Field != engine.FieldAttributes {
			return invalidChange(c)
		}
		attrs, ok := c.After.([]string)
		if !ok && c.After != nil {
			return invalidChange(c)
		}
		img.Attributes = append([]string(nil), attrs...)
	}
	return nil
}

func invalidChange(c engine.FieldChange) error {
	return engine.NewPermanentError(fmt.Sprintf("unsupported change %s", c), nil).
		WithCode(engine.ErrCodeValidation)
}

// Web API column names of the registration tables.
const (
	colPluginTypeID        = "plugintypeid"
	colTypeName            = "typename"
	colAssemblyID          = "_pluginassemblyid_value"
	colStepID              = "sdkmessageprocessingstepid"
	colStepName            = "name"
	colStage               = "stage"
	colMode                = "mode"
	colRank                = "rank"
	colFilteringAttributes = "filteringattributes"
	colConfiguration       = "configuration"
	colStepPluginTypeID    = "_eventhandler_value"
	colMessageName         = "sdkmessageid.name"
	colPrimaryEntity       = "sdkmessagefilterid.primaryobjecttypecode"
	colImageID             = "sdkmessageprocessingstepimageid"
	colImageStepID         = "_sdkmessageprocessingstepid_value"
	colImageType           = "imagetype"
	colImageAlias          = "entityalias"
	colImageName           = "name"
	colImageAttributes     = "attributes"
	colMessagePropertyName = "messagepropertyname"
)

// joinAttributes encodes a set as the platform's comma separated list.
// An empty set is sent as an empty string, which means all attributes.
func joinAttributes(attrs []string) string {
	return strings.Join(engine.NormalizeSet(attrs), ",")
}

// splitAttributes decodes a comma separated attribute list.
func splitAttributes(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return engine.NormalizeSet(strings.Split(v, ","))
}

// stepName is the display name given to created steps.
func stepName(s engine.Step) string {
	return fmt.Sprintf("%s: %s of %s", s.TypeName, s.Message, s.PrimaryEntity)
}

// messagePropertyName returns the request property an image is bound to for
// a message.
func messagePropertyName(message string) string {
	switch strings.ToLower(message) {
	case "create":
		return "Id"
	case "merge":
		return "SubordinateId"
	case "assign", "setstate", "setstatedynamicentity":
		return "EntityMoniker"
	default:
		return "Target"
	}
}

// stepFields maps step changes to web API columns.
func stepFields(changes []engine.FieldChange) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(changes))
	for _, c := range changes {
		switch c.Field {
		case engine.FieldMode:
			mode, ok := c.After.(engine.Mode)
			if !ok {
				return nil, invalidChange(c)
			}
			fields[colMode] = int(mode)
		case engine.FieldRank:
			rank, ok := c.After.(int)
			if !ok {
				return nil, invalidChange(c)
			}
			fields[colRank] = rank
		case engine.FieldFilteringAttributes:
			attrs, _ := c.After.([]string)
			fields[colFilteringAttributes] = joinAttributes(attrs)
		case engine.FieldConfiguration:
			cfg, ok := c.After.(string)
			if !ok {
				return nil, invalidChange(c)
			}
			fields[colConfiguration] = cfg
		default:
			return nil, invalidChange(c)
		}
	}
	return fields, nil
}

// imageFields maps image changes to web API columns.
func imageFields(changes []engine.FieldChange) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(changes))
	for _, c := range changes {
		if c.Field != engine.FieldAttributes {
			return nil, invalidChange(c)
		}
		attrs, _ := c.After.([]string)
		fields[colImageAttributes] = joinAttributes(attrs)
	}
	return fields, nil
}
