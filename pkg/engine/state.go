package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ObservedImage is a remote image with its owning step key resolved.
type ObservedImage struct {
	ID     string `json:"id"`
	StepID string `json:"stepId"`
	Image
}

// RemoteState is a fresh snapshot of one scope of the registry, normalized
// into the declaration shape. Slices keep remote-fetch order.
type RemoteState struct {
	Scope       string             `json:"scope"`
	PluginTypes []RemotePluginType `json:"pluginTypes"`
	Steps       []RemoteStep       `json:"steps"`
	Images      []ObservedImage    `json:"images"`
	LoadedAt    time.Time          `json:"loadedAt"`
}

// RemoteIndex maps identity keys to the remote record that holds them. When
// several records share a key, the first in fetch order whose parent is
// itself indexed wins; the rest are duplicates and never match a declaration.
type RemoteIndex struct {
	PluginTypes map[string]*RemotePluginType
	Steps       map[StepKey]*RemoteStep
	Images      map[ImageKey]*ObservedImage
}

// Index builds the key index of the snapshot.
func (rs *RemoteState) Index() *RemoteIndex {
	idx := &RemoteIndex{
		PluginTypes: make(map[string]*RemotePluginType, len(rs.PluginTypes)),
		Steps:       make(map[StepKey]*RemoteStep, len(rs.Steps)),
		Images:      make(map[ImageKey]*ObservedImage, len(rs.Images)),
	}
	typeIDs := make(map[string]bool, len(rs.PluginTypes))
	for i := range rs.PluginTypes {
		pt := &rs.PluginTypes[i]
		if _, dup := idx.PluginTypes[pt.TypeName]; !dup {
			idx.PluginTypes[pt.TypeName] = pt
			typeIDs[pt.ID] = true
		}
	}
	stepIDs := make(map[string]bool, len(rs.Steps))
	for i := range rs.Steps {
		s := &rs.Steps[i]
		if _, dup := idx.Steps[s.Key()]; !dup && typeIDs[s.PluginTypeID] {
			idx.Steps[s.Key()] = s
			stepIDs[s.ID] = true
		}
	}
	for i := range rs.Images {
		img := &rs.Images[i]
		if _, dup := idx.Images[img.Key()]; !dup && stepIDs[img.StepID] {
			idx.Images[img.Key()] = img
		}
	}
	return idx
}

// Duplicates counts records that share an identity key with an indexed one.
func (idx *RemoteIndex) Duplicates(rs *RemoteState) int {
	return len(rs.PluginTypes) - len(idx.PluginTypes) +
		len(rs.Steps) - len(idx.Steps) +
		len(rs.Images) - len(idx.Images)
}

// Document converts the snapshot into a declaration document, which is what
// a declaration would have to contain for the scope to be unchanged.
func (rs *RemoteState) Document() *Document {
	doc := &Document{
		PluginTypes: make([]PluginType, 0, len(rs.PluginTypes)),
		Steps:       make([]Step, 0, len(rs.Steps)),
		Images:      make([]Image, 0, len(rs.Images)),
	}
	for _, pt := range rs.PluginTypes {
		doc.PluginTypes = append(doc.PluginTypes, pt.PluginType)
	}
	for _, s := range rs.Steps {
		doc.Steps = append(doc.Steps, s.Step)
	}
	for _, img := range rs.Images {
		doc.Images = append(doc.Images, img.Image)
	}
	return doc
}

// StateLoader reads and normalizes the remote state of a scope.
type StateLoader struct {
	registry    Registry
	callTimeout time.Duration
	logger      zerolog.Logger
	observer    Observer
}

// NewStateLoader creates a loader. A non-positive callTimeout disables the per-call bound.
func NewStateLoader(registry Registry, callTimeout time.Duration, logger zerolog.Logger, observer Observer) *StateLoader {
	return &StateLoader{
		registry:    registry,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "state-loader").Logger(),
		observer:    observer,
	}
}

// Load fetches plugin types, steps and images concurrently. The first failure
// cancels the other reads and the whole load fails with REMOTE_STATE_UNAVAILABLE;
// a partial snapshot is never returned.
func (l *StateLoader) Load(ctx context.Context, scope string) (*RemoteState, error) {
	var (
		pluginTypes []RemotePluginType
		steps       []RemoteStep
		images      []RemoteImage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pluginTypes, err = listWithTimeout(gctx, l, "list_plugin_types", func(c context.Context) ([]RemotePluginType, error) {
			return l.registry.ListPluginTypes(c, scope)
		})
		return err
	})
	g.Go(func() error {
		var err error
		steps, err = listWithTimeout(gctx, l, "list_steps", func(c context.Context) ([]RemoteStep, error) {
			return l.registry.ListSteps(c, scope)
		})
		return err
	})
	g.Go(func() error {
		var err error
		images, err = listWithTimeout(gctx, l, "list_images", func(c context.Context) ([]RemoteImage, error) {
			return l.registry.ListImages(c, scope)
		})
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, NewRemoteStateUnavailableError(scope, err)
	}

	return l.normalize(scope, pluginTypes, steps, images), nil
}

func listWithTimeout[T any](ctx context.Context, l *StateLoader, call string, fn func(context.Context) ([]T, error)) ([]T, error) {
	callCtx := ctx
	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := fn(callCtx)
	if l.observer != nil {
		l.observer.ObserveRemoteCall(call, err, time.Since(start))
	}
	return out, err
}

// normalize resolves parent references and drops records outside the scope.
func (l *StateLoader) normalize(scope string, pluginTypes []RemotePluginType, steps []RemoteStep, images []RemoteImage) *RemoteState {
	rs := &RemoteState{
		Scope:       scope,
		PluginTypes: pluginTypes,
		Steps:       make([]RemoteStep, 0, len(steps)),
		Images:      make([]ObservedImage, 0, len(images)),
		LoadedAt:    time.Now(),
	}

	typeNames := make(map[string]string, len(pluginTypes))
	for _, pt := range pluginTypes {
		typeNames[pt.ID] = pt.TypeName
	}

	stepKeys := make(map[string]StepKey, len(steps))
	for _, s := range steps {
		typeName, ok := typeNames[s.PluginTypeID]
		if !ok {
			l.logger.Debug().Str("step_id", s.ID).Msg("Ignoring step outside scope")
			continue
		}
		s.TypeName = typeName
		s.PrimaryEntity = CanonicalEntity(s.PrimaryEntity)
		s.FilteringAttributes = NormalizeSet(s.FilteringAttributes)
		rs.Steps = append(rs.Steps, s)
		stepKeys[s.ID] = s.Key()
	}

	for _, img := range images {
		key, ok := stepKeys[img.StepID]
		if !ok {
			l.logger.Debug().Str("image_id", img.ID).Msg("Ignoring image outside scope")
			continue
		}
		rs.Images = append(rs.Images, ObservedImage{
			ID:     img.ID,
			StepID: img.StepID,
			Image: Image{
				StepKey:    key,
				ImageType:  img.ImageType,
				Name:       img.Name,
				Attributes: NormalizeSet(img.Attributes),
			},
		})
	}

	if dups := rs.Index().Duplicates(rs); dups > 0 {
		l.logger.Warn().Str("scope", scope).Int("duplicates", dups).
			Msg("Remote state holds duplicate registrations; extra records are planned as orphans")
	}

	l.logger.Debug().
		Str("scope", scope).
		Int("plugin_types", len(rs.PluginTypes)).
		Int("steps", len(rs.Steps)).
		Int("images", len(rs.Images)).
		Msg("Remote state loaded")

	return rs
}
