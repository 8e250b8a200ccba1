// Package registry provides implementations of engine.Registry.
//
// WebAPI talks to the platform's OData Web API. It maps the platform's
// column names, stage and mode codes onto the engine model and classifies
// HTTP failures: 429 and 503 with Retry-After are throttled, other 5xx
// responses and network errors are transient, and everything else is
// permanent.
//
// Memory keeps registrations in process. It records every call and supports
// fault injection, which makes it the registry of choice for tests. Snapshot
// is a Memory persisted to a JSON file after every mutation, used to plan and
// apply offline.
package registry
