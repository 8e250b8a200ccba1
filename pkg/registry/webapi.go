package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// WebAPIConfig configures the platform Web API client.
type WebAPIConfig struct {
	// BaseURL is the environment URL, e.g. https://contoso.crm.dynamics.com.
	BaseURL string

	// APIVersion is the Web API version, e.g. "9.2".
	APIVersion string

	// Token is the OAuth bearer token.
	Token string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// WebAPI is a Registry backed by the platform's OData Web API.
type WebAPI struct {
	base   string
	token  string
	client *http.Client
	logger zerolog.Logger

	mu         sync.Mutex
	assemblies map[string]string
	messages   map[string]string
}

// NewWebAPI creates a Web API registry client.
func NewWebAPI(cfg WebAPIConfig, logger zerolog.Logger) (*WebAPI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("web API base URL is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "9.2"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &WebAPI{
		base:       fmt.Sprintf("%s/api/data/v%s/", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion),
		token:      cfg.Token,
		client:     client,
		logger:     logger.With().Str("component", "webapi").Logger(),
		assemblies: make(map[string]string),
		messages:   make(map[string]string),
	}, nil
}

type odataPage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type pluginTypeRow struct {
	ID         string `json:"plugintypeid"`
	TypeName   string `json:"typename"`
	AssemblyID string `json:"_pluginassemblyid_value"`
}

type stepRow struct {
	ID                  string  `json:"sdkmessageprocessingstepid"`
	Stage               int     `json:"stage"`
	Mode                int     `json:"mode"`
	Rank                int     `json:"rank"`
	FilteringAttributes *string `json:"filteringattributes"`
	Configuration       *string `json:"configuration"`
	PluginTypeID        string  `json:"_eventhandler_value"`
	Message             *struct {
		Name string `json:"name"`
	} `json:"sdkmessageid"`
	Filter *struct {
		PrimaryObjectTypeCode string `json:"primaryobjecttypecode"`
	} `json:"sdkmessagefilterid"`
}

type imageRow struct {
	ID         string  `json:"sdkmessageprocessingstepimageid"`
	StepID     string  `json:"_sdkmessageprocessingstepid_value"`
	ImageType  int     `json:"imagetype"`
	Alias      string  `json:"entityalias"`
	Attributes *string `json:"attributes"`
}

// ListPluginTypes returns the plugin types of the assembly named scope.
func (w *WebAPI) ListPluginTypes(ctx context.Context, scope string) ([]engine.RemotePluginType, error) {
	asm, err := w.assemblyID(ctx, scope)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("$select", strings.Join([]string{colPluginTypeID, colTypeName, colAssemblyID}, ","))
	q.Set("$filter", fmt.Sprintf("%s eq %s", colAssemblyID, asm))

	out := make([]engine.RemotePluginType, 0)
	err = w.list(ctx, "plugintypes?"+q.Encode(), func(raw json.RawMessage) error {
		var row pluginTypeRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		out = append(out, engine.RemotePluginType{
			ID:         row.ID,
			PluginType: engine.PluginType{TypeName: row.TypeName, AssemblyID: row.AssemblyID},
		})
		return nil
	})
	return out, err
}

// ListSteps returns the steps whose plugin type belongs to the assembly named scope.
func (w *WebAPI) ListSteps(ctx context.Context, scope string) ([]engine.RemoteStep, error) {
	asm, err := w.assemblyID(ctx, scope)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("$select", strings.Join([]string{
		colStepID, colStage, colMode, colRank, colFilteringAttributes, colConfiguration, colStepPluginTypeID,
	}, ","))
	q.Set("$expand", "sdkmessageid($select=name),sdkmessagefilterid($select=primaryobjecttypecode)")
	q.Set("$filter", fmt.Sprintf("eventhandler_plugintype/%s eq %s", colAssemblyID, asm))

	out := make([]engine.RemoteStep, 0)
	err = w.list(ctx, "sdkmessageprocessingsteps?"+q.Encode(), func(raw json.RawMessage) error {
		var row stepRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		step := engine.Step{
			Stage: engine.Stage(row.Stage),
			Mode:  engine.Mode(row.Mode),
			Rank:  row.Rank,
		}
		if row.Message != nil {
			step.Message = row.Message.Name
		}
		step.PrimaryEntity = engine.WildcardEntity
		if row.Filter != nil && row.Filter.PrimaryObjectTypeCode != "" {
			step.PrimaryEntity = row.Filter.PrimaryObjectTypeCode
		}
		if row.FilteringAttributes != nil {
			step.FilteringAttributes = splitAttributes(*row.FilteringAttributes)
		}
		if row.Configuration != nil {
			step.Configuration = *row.Configuration
		}
		out = append(out, engine.RemoteStep{ID: row.ID, PluginTypeID: row.PluginTypeID, Step: step})
		return nil
	})
	return out, err
}

// ListImages returns the images whose step belongs to the assembly named scope.
func (w *WebAPI) ListImages(ctx context.Context, scope string) ([]engine.RemoteImage, error) {
	asm, err := w.assemblyID(ctx, scope)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("$select", strings.Join([]string{colImageID, colImageStepID, colImageType, colImageAlias, colImageAttributes}, ","))
	q.Set("$filter", fmt.Sprintf("sdkmessageprocessingstepid/eventhandler_plugintype/%s eq %s", colAssemblyID, asm))

	out := make([]engine.RemoteImage, 0)
	err = w.list(ctx, "sdkmessageprocessingstepimages?"+q.Encode(), func(raw json.RawMessage) error {
		var row imageRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		img := engine.RemoteImage{
			ID:        row.ID,
			StepID:    row.StepID,
			ImageType: engine.ImageType(row.ImageType),
			Name:      row.Alias,
		}
		if row.Attributes != nil {
			img.Attributes = splitAttributes(*row.Attributes)
		}
		out = append(out, img)
		return nil
	})
	return out, err
}

// CreatePluginType registers a plugin type in the assembly named scope.
func (w *WebAPI) CreatePluginType(ctx context.Context, scope string, pt engine.PluginType) (string, error) {
	asm, err := w.assemblyID(ctx, scope)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		colTypeName:                   pt.TypeName,
		"name":                        pt.TypeName,
		"friendlyname":                pt.TypeName,
		"pluginassemblyid@odata.bind": fmt.Sprintf("/pluginassemblies(%s)", asm),
	}
	return w.create(ctx, "plugintypes", body)
}

// CreateStep registers a step for the plugin type with the given ID.
func (w *WebAPI) CreateStep(ctx context.Context, pluginTypeID string, step engine.Step) (string, error) {
	msgID, err := w.messageID(ctx, step.Message)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		colStepName:                          stepName(step),
		colStage:                             int(step.Stage),
		colMode:                              int(step.Mode),
		colRank:                              step.Rank,
		colFilteringAttributes:               joinAttributes(step.FilteringAttributes),
		colConfiguration:                     step.Configuration,
		"supporteddeployment":                0,
		"eventhandler_plugintype@odata.bind": fmt.Sprintf("/plugintypes(%s)", pluginTypeID),
		"sdkmessageid@odata.bind":            fmt.Sprintf("/sdkmessages(%s)", msgID),
	}
	if entity := engine.CanonicalEntity(step.PrimaryEntity); entity != "" && entity != engine.WildcardEntity {
		filterID, err := w.messageFilterID(ctx, msgID, entity)
		if err != nil {
			return "", err
		}
		body["sdkmessagefilterid@odata.bind"] = fmt.Sprintf("/sdkmessagefilters(%s)", filterID)
	}
	return w.create(ctx, "sdkmessageprocessingsteps", body)
}

// UpdateStep patches the changed step columns.
func (w *WebAPI) UpdateStep(ctx context.Context, id string, changes []engine.FieldChange) error {
	fields, err := stepFields(changes)
	if err != nil {
		return err
	}
	_, err = w.do(ctx, http.MethodPatch, fmt.Sprintf("sdkmessageprocessingsteps(%s)", id), fields)
	return err
}

// CreateImage registers an image for the step with the given ID.
func (w *WebAPI) CreateImage(ctx context.Context, stepID string, img engine.Image) (string, error) {
	body := map[string]interface{}{
		colImageName:                            img.Name,
		colImageAlias:                           img.Name,
		colImageType:                            int(img.ImageType),
		colImageAttributes:                      joinAttributes(img.Attributes),
		colMessagePropertyName:                  messagePropertyName(img.StepKey.Message),
		"sdkmessageprocessingstepid@odata.bind": fmt.Sprintf("/sdkmessageprocessingsteps(%s)", stepID),
	}
	return w.create(ctx, "sdkmessageprocessingstepimages", body)
}

// UpdateImage patches the changed image columns.
func (w *WebAPI) UpdateImage(ctx context.Context, id string, changes []engine.FieldChange) error {
	fields, err := imageFields(changes)
	if err != nil {
		return err
	}
	_, err = w.do(ctx, http.MethodPatch, fmt.Sprintf("sdkmessageprocessingstepimages(%s)", id), fields)
	return err
}

// DeletePluginType deletes a plugin type.
func (w *WebAPI) DeletePluginType(ctx context.Context, id string) error {
	_, err := w.do(ctx, http.MethodDelete, fmt.Sprintf("plugintypes(%s)", id), nil)
	return err
}

// DeleteStep deletes a step.
func (w *WebAPI) DeleteStep(ctx context.Context, id string) error {
	_, err := w.do(ctx, http.MethodDelete, fmt.Sprintf("sdkmessageprocessingsteps(%s)", id), nil)
	return err
}

// DeleteImage deletes an image.
func (w *WebAPI) DeleteImage(ctx context.Context, id string) error {
	_, err := w.do(ctx, http.MethodDelete, fmt.Sprintf("sdkmessageprocessingstepimages(%s)", id), nil)
	return err
}

// assemblyID resolves and caches the ID of the assembly named scope.
func (w *WebAPI) assemblyID(ctx context.Context, scope string) (string, error) {
	w.mu.Lock()
	id, ok := w.assemblies[scope]
	w.mu.Unlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("$select", "pluginassemblyid")
	q.Set("$filter", fmt.Sprintf("name eq '%s'", escapeLiteral(scope)))
	id, err := w.lookup(ctx, "pluginassemblies?"+q.Encode(), "pluginassemblyid")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("plugin assembly %q not found", scope), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	w.mu.Lock()
	w.assemblies[scope] = id
	w.mu.Unlock()
	return id, nil
}

// messageID resolves and caches the ID of an SDK message.
func (w *WebAPI) messageID(ctx context.Context, message string) (string, error) {
	w.mu.Lock()
	id, ok := w.messages[message]
	w.mu.Unlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("$select", "sdkmessageid")
	q.Set("$filter", fmt.Sprintf("name eq '%s'", escapeLiteral(message)))
	id, err := w.lookup(ctx, "sdkmessages?"+q.Encode(), "sdkmessageid")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("message %q not found", message), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	w.mu.Lock()
	w.messages[message] = id
	w.mu.Unlock()
	return id, nil
}

func (w *WebAPI) messageFilterID(ctx context.Context, messageID, entity string) (string, error) {
	q := url.Values{}
	q.Set("$select", "sdkmessagefilterid")
	q.Set("$filter", fmt.Sprintf("_sdkmessageid_value eq %s and primaryobjecttypecode eq '%s'", messageID, escapeLiteral(entity)))
	id, err := w.lookup(ctx, "sdkmessagefilters?"+q.Encode(), "sdkmessagefilterid")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("message filter for entity %q not found", entity), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return id, nil
}

// lookup returns column of the first row of a query, or "" when there is none.
func (w *WebAPI) lookup(ctx context.Context, path, column string) (string, error) {
	var id string
	err := w.list(ctx, path, func(raw json.RawMessage) error {
		if id != "" {
			return nil
		}
		var row map[string]interface{}
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		id, _ = row[column].(string)
		return nil
	})
	return id, err
}

// list follows @odata.nextLink and calls fn for every row.
func (w *WebAPI) list(ctx context.Context, path string, fn func(json.RawMessage) error) error {
	next := path
	for next != "" {
		resp, err := w.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return err
		}
		var page odataPage
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return engine.NewPermanentError("failed to decode Web API response", err).
				WithCode(engine.ErrCodeInternal)
		}
		for _, raw := range page.Value {
			if err := fn(raw); err != nil {
				return engine.NewPermanentError("failed to decode Web API row", err).
					WithCode(engine.ErrCodeInternal)
			}
		}
		next = page.NextLink
	}
	return nil
}

// create posts a record and returns the ID from the OData-EntityId header.
func (w *WebAPI) create(ctx context.Context, entitySet string, body map[string]interface{}) (string, error) {
	resp, err := w.do(ctx, http.MethodPost, entitySet, body)
	if err != nil {
		return "", err
	}
	id := entityIDFromHeader(resp.header.Get("OData-EntityId"))
	if id == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("create %s returned no entity id", entitySet), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return id, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do issues one request and classifies failures for the retry policy.
func (w *WebAPI) do(ctx context.Context, method, path string, body interface{}) (*response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = w.base + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewTransientError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("failed to read Web API response", err)
	}

	w.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Web API request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
	}
	return nil, classifyStatus(method, path, resp.StatusCode, resp.Header, data)
}

// classifyStatus maps an HTTP failure onto the engine error classes.
func classifyStatus(method, path string, status int, header http.Header, body []byte) error {
	msg := fmt.Sprintf("%s %s returned %d", method, path, status)
	var oe odataError
	if json.Unmarshal(body, &oe) == nil && oe.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, oe.Error.Message)
	}

	var err *engine.EngineError
	switch {
	case status == http.StatusTooManyRequests:
		err = engine.NewThrottledError(msg, nil)
		if d, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			err = err.WithDetail("retry_after", d)
		}
	case status == http.StatusServiceUnavailable && header.Get("Retry-After") != "":
		err = engine.NewThrottledError(msg, nil)
		if d, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			err = err.WithDetail("retry_after", d)
		}
	case status >= 500:
		err = engine.NewTransientError(msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusNotFound:
		err = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		err = engine.NewConflictError(msg, nil)
	default:
		err = engine.NewPermanentError(msg, nil)
	}
	if oe.Error.Code != "" {
		err = err.WithDetail("platform_code", oe.Error.Code)
	}
	return err
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// entityIDFromHeader extracts the GUID from ".../entityset(guid)".
func entityIDFromHeader(v string) string {
	open := strings.LastIndex(v, "(")
	closing := strings.LastIndex(v, ")")
	if open < 0 || closing <= open {
		return ""
	}
	return v[open+1 : closing]
}

func escapeLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
